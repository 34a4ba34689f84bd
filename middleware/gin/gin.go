// Package gin provides Gin middleware that gates routes on a paid subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserKey is the Gin context key under which an entitled *subsync.User is stored
const UserKey = "subsync.user"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Users is the store the cached subscription snapshot is read from (required)
	Users subsync.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when the user has no active or trialing subscription.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *gongin.Context, user *subsync.User)

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireEntitlement creates a Gin middleware that only lets entitled users through
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	if cfg.Users == nil {
		panic("subsync/gin: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		user, err := cfg.Users.GetUser(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if user == nil || !user.IsPro() {
			if cfg.OnNotEntitled != nil {
				cfg.OnNotEntitled(c, user)
			} else {
				c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Subscription required"})
			}
			c.Abort()
			return
		}

		c.Set(UserKey, user)
		c.Next()
	}
}

// UserFromContext returns the entitled user stored by RequireEntitlement.
func UserFromContext(c *gongin.Context) (*subsync.User, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*subsync.User)
	return user, ok
}

// FromContext returns a UserIDExtractor that reads a value set by an auth middleware
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
