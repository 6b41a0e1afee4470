package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrDisabled     = errors.New("admin access is disabled")
	ErrInvalidToken = errors.New("invalid or expired token")
)

const (
	issuer        = "exchange"
	adminAudience = "admin"
	userAudience  = "user"
)

type adminKey struct{}

// signer issues and checks HS256 tokens for one audience. Admin and user
// tokens never verify as each other even under the same secret.
type signer struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func (s *signer) issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject cannot be empty")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *signer) verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// requireBearer verifies the Authorization header and stores the subject
// under key before calling next
func requireBearer(verify func(string) (string, error), key any, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		subject, err := verify(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), key, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuth issues and checks the bearer tokens that guard admin routes
type AdminAuth struct {
	signer
}

// NewAdminAuth creates an admin authenticator. An empty secret disables it.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{signer{secret: []byte(secret), audience: adminAudience, now: time.Now}}
}

// Enabled reports whether a secret is configured
func (a *AdminAuth) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken signs an HS256 token for subject valid for ttl
func (a *AdminAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	return a.issue(subject, ttl)
}

// Verify checks a token and returns its subject
func (a *AdminAuth) Verify(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	return a.verify(tokenString)
}

// Middleware rejects requests without a valid bearer token. With no secret
// configured every request gets 403.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	guarded := requireBearer(a.Verify, adminKey{}, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			http.Error(w, `{"error": "Admin access disabled"}`, http.StatusForbidden)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

// Subject returns the admin subject stored by Middleware
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminKey{}).(string)
	return s, ok
}
