// Package auth provides JWT-based authentication and account registration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

type contextKey string

const userContextKey contextKey = "user"

const issuer = "docvault"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Claims holds JWT token claims.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Hook runs after an account has been created. A failing hook is logged
// and does not undo the registration.
type Hook func(ctx context.Context, u *models.User) error

// Credentials is the body of register and login requests.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=150,excludesall=/\\"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Auth handles registration, login and token validation.
type Auth struct {
	users    metadata.UserStore
	secret   []byte
	ttl      time.Duration
	hooks    []Hook
	validate *validator.Validate
	now      func() time.Time
}

// Option configures Auth.
type Option func(*Auth)

// WithHook adds a post-registration hook. Hooks run in the order added.
func WithHook(h Hook) Option {
	return func(a *Auth) { a.hooks = append(a.hooks, h) }
}

// New creates a new Auth handler. Tokens are valid for ttl.
func New(users metadata.UserStore, jwtSecret string, ttl time.Duration, opts ...Option) *Auth {
	a := &Auth{
		users:    users,
		secret:   []byte(jwtSecret),
		ttl:      ttl,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register creates an account. The first account ever created becomes an
// admin.
func (a *Auth) Register(ctx context.Context, creds Credentials) (*models.User, error) {
	if err := a.validate.Struct(creds); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := a.users.CreateUser(ctx, creds.Username, string(hash), true)
	if errors.Is(err, metadata.ErrDuplicate) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	metrics.RecordRegistration()
	logging.Info("user registered",
		zap.Int64("user_id", u.ID),
		zap.String("username", u.Username),
		zap.String("role", u.Role))

	for _, h := range a.hooks {
		if err := h(ctx, u); err != nil {
			logging.Error("post-registration hook failed", zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}
	return u, nil
}

// Authenticate checks a username and password.
func (a *Auth) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := a.users.GetUserByUsername(ctx, username)
	if errors.Is(err, metadata.ErrNotFound) {
		logging.Warn("login failed: unknown user", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		logging.Warn("login failed: invalid password", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// IssueToken signs a token for u.
func (a *Auth) IssueToken(u *models.User) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		IsAdmin:  u.IsAdmin(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken parses and verifies a token.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.ValidateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		ctx := logging.With(WithClaims(r.Context(), claims), zap.Int64("user_id", claims.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// UserID returns the authenticated user's id.
func UserID(ctx context.Context) (int64, bool) {
	c := GetClaims(ctx)
	if c == nil {
		return 0, false
	}
	return c.UserID, true
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// EventSource cannot set headers.
	return r.URL.Query().Get("token")
}
