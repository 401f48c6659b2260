package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/browsergate/internal/domain"
)

func fakeHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) { *called = true })
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewService("test-secret", time.Hour, "alice", string(hash))
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestService(t)

	raw, err := s.IssueToken("exec-1", "executor", map[string]bool{"bridge.connect": true})
	require.NoError(t, err)

	claims, err := s.ParseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", claims.Subject)
	assert.Equal(t, "executor", claims.Role)
	assert.True(t, claims.Scopes["bridge.connect"])
}

func TestForeignSignatureRejected(t *testing.T) {
	s := newTestService(t)
	other := NewService("other-secret", time.Hour, "", "")

	raw, err := other.IssueToken("mallory", "operator", nil)
	require.NoError(t, err)

	_, err = s.ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogin(t *testing.T) {
	s := newTestService(t)

	resp, err := s.Login(domain.LoginRequest{Username: "alice", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)

	claims, err := s.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Role)

	_, err = s.Login(domain.LoginRequest{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login(domain.LoginRequest{Username: "bob", Password: "correct horse"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthorizeRequest(t *testing.T) {
	s := newTestService(t)
	token, err := s.IssueToken("exec-1", "executor", nil)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = s.AuthorizeRequest(r, "executor")
	assert.NoError(t, err)

	_, err = s.AuthorizeRequest(r, "operator")
	assert.ErrorIs(t, err, ErrForbidden)

	bare := httptest.NewRequest("GET", "/ws", nil)
	_, err = s.AuthorizeRequest(bare, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledServicePassesMiddleware(t *testing.T) {
	s := NewService("", time.Hour, "", "")
	assert.False(t, s.Enabled())

	called := false
	h := s.Middleware(fakeHandler(&called))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/status", nil))
	assert.True(t, called)
}

func TestMiddlewareRejectsWithoutToken(t *testing.T) {
	s := newTestService(t)

	called := false
	h := s.Middleware(fakeHandler(&called))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	assert.False(t, called)
	assert.Equal(t, 401, rec.Code)
}
