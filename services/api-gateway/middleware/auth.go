package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tenantKey struct{}

// Claims are the bearer token claims the gateway understands. The tenant
// scopes every queue, task and schedule the caller touches.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

const clockSkew = time.Minute

// TenantID returns the authenticated tenant, or "" when auth is disabled.
func TenantID(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

// WithTenant returns ctx carrying tenant.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// Auth validates HS256 bearer tokens signed with secret and stores the
// tenant claim in the request context. An empty secret disables
// authentication.
func Auth(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "bearer token required")
				return
			}
			claims, err := ParseToken(secret, token, time.Now)
			if err != nil {
				logger.Debug("token rejected", slog.String("error", err.Error()))
				if errors.Is(err, jwt.ErrTokenExpired) {
					unauthorized(w, "token expired")
					return
				}
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), claims.TenantID)))
		})
	}
}

// ParseToken verifies an HS256 token and returns its claims. A token without
// a tenant claim is rejected.
func ParseToken(secret []byte, token string, now func() time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, errors.New("token has no tenant_id claim")
	}
	return claims, nil
}

// SignToken issues an HS256 token for tenant valid for ttl.
func SignToken(secret []byte, tenant, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		TenantID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="flow"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
