package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/db"
	"github.com/Ishan3450/complete-stock-exchange/internal/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidSignup      = errors.New("invalid signup")
)

type userKey struct{}

// UserStore keeps login records. *db.DB satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// AccountOpener creates the trading account behind a login
type AccountOpener interface {
	OpenAccount(ctx context.Context, userID string) error
}

// AuthService handles user registration and login
type AuthService struct {
	store    UserStore
	accounts AccountOpener
	tokens   signer
	ttl      time.Duration
	cost     int
	log      *zap.Logger
}

// NewAuthService creates a new auth service. Tokens are signed with secret
// and expire after ttl.
func NewAuthService(store UserStore, accounts AccountOpener, secret string, ttl time.Duration, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		store:    store,
		accounts: accounts,
		tokens:   signer{secret: []byte(secret), audience: userAudience, now: time.Now},
		ttl:      ttl,
		cost:     bcrypt.DefaultCost,
		log:      log.Named("auth"),
	}
}

// Register stores a login with a hashed password and opens its engine
// account. If the engine refuses, the login is removed again.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	// Validate input
	if username == "" || password == "" || email == "" {
		return nil, fmt.Errorf("%w: username, email and password are required", ErrInvalidSignup)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidSignup)
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 characters)", ErrInvalidSignup)
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidSignup)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, email, string(hashedPassword))
	if err != nil {
		return nil, err
	}

	if err := s.accounts.OpenAccount(ctx, user.Username); err != nil {
		if delErr := s.store.DeleteUser(context.WithoutCancel(ctx), user.ID); delErr != nil {
			s.log.Error("signup_rollback_failed", zap.String("user", user.Username), zap.Error(delErr))
		}
		return nil, err
	}
	s.log.Info("user_registered", zap.String("user", user.Username))
	return user, nil
}

// Login verifies credentials and returns a signed user token
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, db.ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.tokens.issue(user.Username, s.ttl)
}

// Verify checks a user token and returns the account id it was issued for
func (s *AuthService) Verify(tokenString string) (string, error) {
	return s.tokens.verify(tokenString)
}

// Middleware rejects requests without a valid user token
func (s *AuthService) Middleware(next http.Handler) http.Handler {
	return requireBearer(s.Verify, userKey{}, next)
}

// UserID returns the account id stored by AuthService.Middleware
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok
}
