// Package auth guards mutating API routes with HS256 bearer tokens. Without a
// configured secret every request passes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"proxyharvest/internal/support"
)

const envSecret = "JWT_SECRET"

var (
	ErrMissingToken = errors.New("auth: missing or malformed Authorization header")
	ErrInvalidToken = errors.New("auth: invalid token")
)

type Claims struct {
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(strings.TrimSpace(secret))}
}

// FromEnv reads the signing secret from JWT_SECRET.
func FromEnv() *Authenticator {
	return New(support.GetEnv(envSecret, ""))
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// IssueToken signs a token for subject that expires after ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token. It is a no-op
// when no secret is configured.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.extractClaims(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (a *Authenticator) extractClaims(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrMissingToken
	}
	return a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}

type claimsKey struct{}

// ClaimsFromContext returns the claims RequireAuth attached to the request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
