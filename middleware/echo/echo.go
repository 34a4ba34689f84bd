// Package echo provides Echo middleware that gates routes on a paid subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserKey is the Echo context key under which an entitled *subsync.User is stored
const UserKey = "subsync.user"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Users is the store the cached subscription snapshot is read from (required)
	Users subsync.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when the user has no active or trialing subscription.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c echo.Context, user *subsync.User) error

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireEntitlement creates an Echo middleware that only lets entitled users through
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	if cfg.Users == nil {
		panic("subsync/echo: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			user, err := cfg.Users.GetUser(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if user == nil || !user.IsPro() {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, user)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Subscription required"})
			}

			c.Set(UserKey, user)
			return next(c)
		}
	}
}

// UserFromContext returns the entitled user stored by RequireEntitlement.
func UserFromContext(c echo.Context) (*subsync.User, bool) {
	user, ok := c.Get(UserKey).(*subsync.User)
	return user, ok
}

// FromContext returns a UserIDExtractor that reads a value set by an auth middleware
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
