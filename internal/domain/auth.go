package domain

import "github.com/golang-jwt/jwt/v5"

type CustomClaims struct {
	Subject string          `json:"sub_id"`
	Role    string          `json:"role"`   // "operator" или "executor"
	Scopes  map[string]bool `json:"scopes"` // "admin": true или "bridge.connect": true
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
