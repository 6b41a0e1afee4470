package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuth_IssueAndVerify(t *testing.T) {
	a := NewAdminAuth("test-secret")

	tests := []struct {
		name        string
		token       func(t *testing.T) string
		expectError bool
	}{
		{
			name: "Success",
			token: func(t *testing.T) string {
				tok, err := a.IssueToken("ops", time.Hour)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name: "Expired",
			token: func(t *testing.T) string {
				tok, err := a.IssueToken("ops", -time.Minute)
				require.NoError(t, err)
				return tok
			},
			expectError: true,
		},
		{
			name: "WrongSecret",
			token: func(t *testing.T) string {
				tok, err := NewAdminAuth("other-secret").IssueToken("ops", time.Hour)
				require.NoError(t, err)
				return tok
			},
			expectError: true,
		},
		{
			name: "WrongIssuer",
			token: func(t *testing.T) string {
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
					Issuer:    "someone-else",
					Subject:   "ops",
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				}).SignedString([]byte("test-secret"))
				require.NoError(t, err)
				return tok
			},
			expectError: true,
		},
		{
			name:        "Garbage",
			token:       func(*testing.T) string { return "not.a.token" },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, err := a.Verify(tt.token(t))
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ops", subject)
		})
	}
}

func TestAdminAuth_Disabled(t *testing.T) {
	a := NewAdminAuth("")
	assert.False(t, a.Enabled())

	_, err := a.IssueToken("ops", time.Hour)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = a.Verify("anything")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestAdminAuth_IssueRequiresSubject(t *testing.T) {
	_, err := NewAdminAuth("s").IssueToken("", time.Hour)
	assert.Error(t, err)
}

func TestAdminAuth_Middleware(t *testing.T) {
	a := NewAdminAuth("test-secret")
	valid, err := a.IssueToken("ops", time.Hour)
	require.NoError(t, err)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name           string
		auth           *AdminAuth
		header         string
		expectedStatus int
	}{
		{"Success", a, "Bearer " + valid, http.StatusNoContent},
		{"NoPrefix", a, valid, http.StatusNoContent},
		{"MissingHeader", a, "", http.StatusUnauthorized},
		{"BadToken", a, "Bearer nope", http.StatusUnauthorized},
		{"Disabled", NewAdminAuth(""), "Bearer " + valid, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			tt.auth.Middleware(next).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusNoContent {
				assert.Equal(t, "ops", seen)
			} else {
				assert.Empty(t, seen)
			}
		})
	}
}
