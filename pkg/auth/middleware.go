// Package auth provides bearer-token authentication middleware.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/logger"
)

// Module provides auth dependencies via fx
var Module = fx.Module("auth",
	fx.Provide(NewMiddleware),
)

// AuthUser represents an authenticated user
type AuthUser struct {
	// ID is the user UUID from the token subject
	ID string `json:"id"`

	// Email from the token, if present
	Email string `json:"email,omitempty"`

	// Admin is set when the request carried a valid admin API key
	Admin bool `json:"admin,omitempty"`
}

// contextKey for storing auth user in context
type contextKey string

const UserContextKey contextKey = "auth_user"

// Claims are the JWT claims this service issues and accepts.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GetUser retrieves the authenticated user from the Echo context
func GetUser(c echo.Context) *AuthUser {
	if user, ok := c.Get(string(UserContextKey)).(*AuthUser); ok {
		return user
	}
	return nil
}

// GetUserID returns the authenticated user's ID, or ErrUnauthorized.
func GetUserID(c echo.Context) (string, error) {
	user := GetUser(c)
	if user == nil || user.ID == "" {
		return "", apperror.ErrUnauthorized
	}
	return user.ID, nil
}

// Middleware handles authentication for routes
type Middleware struct {
	cfg *config.Config
	log *slog.Logger
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(cfg *config.Config, log *slog.Logger) *Middleware {
	return &Middleware{
		cfg: cfg,
		log: log.With(logger.Scope("auth")),
	}
}

// RequireAuth returns middleware that requires a valid bearer token.
// An admin API key is also accepted and yields an admin user.
func (m *Middleware) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, err := m.authenticate(c)
			if err != nil {
				m.log.Warn("authentication failed", logger.Error(err))
				if appErr, ok := err.(*apperror.Error); ok {
					return appErr
				}
				return apperror.ErrUnauthorized
			}

			c.Set(string(UserContextKey), user)
			return next(c)
		}
	}
}

// RequireAdmin returns middleware that requires the admin API key
// (X-Admin-Key header). Used for force-finalize and other operator
// endpoints.
func (m *Middleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.checkAdminKey(c.Request()) {
				return apperror.ErrForbidden.WithMessage("admin key required")
			}

			c.Set(string(UserContextKey), &AuthUser{ID: "admin", Admin: true})
			return next(c)
		}
	}
}

func (m *Middleware) authenticate(c echo.Context) (*AuthUser, error) {
	if m.cfg.Auth.Disabled {
		// Local development: identify as a fixed user so ledger rows
		// still have an owner.
		return &AuthUser{ID: "00000000-0000-0000-0000-000000000001"}, nil
	}

	if m.checkAdminKey(c.Request()) {
		return &AuthUser{ID: "admin", Admin: true}, nil
	}

	token := m.extractToken(c.Request())
	if token == "" {
		return nil, apperror.ErrMissingToken
	}

	return m.verifyJWT(token)
}

func (m *Middleware) checkAdminKey(r *http.Request) bool {
	key := m.cfg.Auth.AdminAPIKey
	return key != "" && r.Header.Get("X-Admin-Key") == key
}

func (m *Middleware) extractToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return parts[1]
}

func (m *Middleware) verifyJWT(tokenStr string) (*AuthUser, error) {
	if !m.cfg.Auth.IsConfigured() {
		return nil, apperror.ErrUnauthorized.WithMessage("auth not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.Auth.JWTSecret), nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, apperror.ErrTokenExpired
		}
		return nil, apperror.ErrInvalidToken.WithInternal(err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, apperror.ErrInvalidToken
	}

	return &AuthUser{
		ID:    claims.Subject,
		Email: claims.Email,
	}, nil
}

// IssueToken signs an HS256 bearer token for the given user. Used by the
// dev token endpoint and by tests.
func (m *Middleware) IssueToken(userID, email string) (string, error) {
	if !m.cfg.Auth.IsConfigured() {
		return "", fmt.Errorf("auth not configured")
	}

	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.Auth.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.cfg.Auth.JWTSecret))
}
