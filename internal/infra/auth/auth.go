// Package auth — HS256-токены для двух ролей: operator (консоль)
// и executor (handshake канала). Пароль оператора в конфиге лежит
// только bcrypt-хэшем.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/browsergate/internal/domain"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrForbidden          = errors.New("auth: insufficient scope")
)

type claimsKey struct{}

// Service выпуск и проверка токенов
type Service struct {
	secret   []byte
	tokenTTL time.Duration

	operatorID   string
	passwordHash string
}

func NewService(secret string, tokenTTL time.Duration, operatorID, passwordHash string) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		operatorID:   operatorID,
		passwordHash: passwordHash,
	}
}

// Enabled false, когда секрет не задан — аутентификация выключена целиком
func (s *Service) Enabled() bool { return len(s.secret) > 0 }

// Login проверяет пару логин/пароль и выпускает операторский токен
func (s *Service) Login(req domain.LoginRequest) (*domain.TokenResponse, error) {
	if !s.Enabled() || s.passwordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if req.Username != s.operatorID {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.IssueToken(req.Username, "operator", map[string]bool{"admin": true})
	if err != nil {
		return nil, err
	}
	return &domain.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokenTTL.Seconds()),
	}, nil
}

// IssueToken подписывает claims с ролью и скоупами
func (s *Service) IssueToken(subject, role string, scopes map[string]bool) (string, error) {
	now := time.Now()
	claims := domain.CustomClaims{
		Subject: subject,
		Role:    role,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "browsergate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ParseToken валидирует подпись и срок жизни
func (s *Service) ParseToken(raw string) (*domain.CustomClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &domain.CustomClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*domain.CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthorizeRequest проверка Bearer-заголовка с требованием роли.
// Пустая роль — достаточно валидного токена.
func (s *Service) AuthorizeRequest(r *http.Request, role string) (*domain.CustomClaims, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, ErrInvalidToken
	}
	claims, err := s.ParseToken(raw)
	if err != nil {
		return nil, err
	}
	if role != "" && claims.Role != role {
		return nil, ErrForbidden
	}
	return claims, nil
}

// Middleware chi-мидлварь: валидный операторский токен или 401.
// При выключенной аутентификации пропускает всех (dev-режим).
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.AuthorizeRequest(r, "operator")
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// ClaimsFromContext claims текущего запроса (если мидлварь их положила)
func ClaimsFromContext(ctx context.Context) (*domain.CustomClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*domain.CustomClaims)
	return claims, ok
}
