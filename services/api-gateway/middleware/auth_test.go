package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func echoTenant() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, TenantID(r.Context()))
	})
}

func call(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth_Disabled(t *testing.T) {
	h := Auth(nil, slog.Default())(echoTenant())
	rec := call(t, h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestAuth_ValidToken(t *testing.T) {
	token, err := SignToken(secret, "acme", "ci", time.Hour, time.Now())
	require.NoError(t, err)

	rec := call(t, Auth(secret, slog.Default())(echoTenant()), token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", rec.Body.String())
}

func TestAuth_Rejections(t *testing.T) {
	h := Auth(secret, slog.Default())(echoTenant())

	rec := call(t, h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	other, err := SignToken([]byte("another-secret-another-secret-xx"), "acme", "ci", time.Hour, time.Now())
	require.NoError(t, err)
	rec = call(t, h, other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}

func TestParseToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	token, err := SignToken(secret, "acme", "ci", time.Minute, now)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token, clock)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "ci", claims.Subject)

	// Within the clock-skew leeway.
	_, err = ParseToken(secret, token, func() time.Time { return now.Add(90 * time.Second) })
	assert.NoError(t, err)

	_, err = ParseToken(secret, token, func() time.Time { return now.Add(5 * time.Minute) })
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestParseToken_RequiresTenantAndExpiry(t *testing.T) {
	now := time.Now()

	noTenant, err := SignToken(secret, "", "ci", time.Hour, now)
	require.NoError(t, err)
	_, err = ParseToken(secret, noTenant, time.Now)
	assert.Error(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{TenantID: "acme"}).SignedString(secret)
	require.NoError(t, err)
	_, err = ParseToken(secret, noExpiry, time.Now)
	assert.ErrorIs(t, err, jwt.ErrTokenRequiredClaimMissing)
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		TenantID:         "acme",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = ParseToken(secret, token, time.Now)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}
