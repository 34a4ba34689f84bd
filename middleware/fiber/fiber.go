// Package fiber provides Fiber middleware that gates routes on a paid subscription
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserKey is the Locals key under which an entitled *subsync.User is stored
const UserKey = "subsync.user"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Users is the store the cached subscription snapshot is read from (required)
	Users subsync.UserStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when the user has no active or trialing subscription.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *fiber.Ctx, user *subsync.User) error

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireEntitlement creates a Fiber middleware that only lets entitled users through
func RequireEntitlement(cfg Config) fiber.Handler {
	if cfg.Users == nil {
		panic("subsync/fiber: Config.Users is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		user, err := cfg.Users.GetUser(c.UserContext(), userID)
		if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if user == nil || !user.IsPro() {
			if cfg.OnNotEntitled != nil {
				return cfg.OnNotEntitled(c, user)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Subscription required"})
		}

		c.Locals(UserKey, user)
		return c.Next()
	}
}

// UserFromContext returns the entitled user stored by RequireEntitlement.
func UserFromContext(c *fiber.Ctx) (*subsync.User, bool) {
	user, ok := c.Locals(UserKey).(*subsync.User)
	return user, ok
}

// FromContext returns a UserIDExtractor that reads c.Locals(key), as set by an
// auth middleware running earlier in the chain.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
