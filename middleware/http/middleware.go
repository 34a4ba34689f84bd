// Package http provides net/http middleware that gates handlers on a paid subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Users is the store the cached subscription snapshot is read from (required)
	Users subsync.UserStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnNotEntitled is called when the user has no active or trialing subscription.
	// user is nil when the user is unknown.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, user *subsync.User)

	// OnError is called when the user store fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"

	// UserKey is the context key under which an entitled *subsync.User is stored
	UserKey ContextKey = "subsync:user"
)

// RequireEntitlement creates a middleware that only lets entitled users through.
// It reads the locally cached snapshot and never calls the billing provider.
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	if config.Users == nil {
		panic("subsync/http: Config.Users is required")
	}
	if config.GetUserID == nil {
		panic("subsync/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			user, err := config.Users.GetUser(r.Context(), userID)
			if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			if user == nil || !user.IsPro() {
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r, user)
				} else {
					writeError(w, http.StatusPaymentRequired, "Subscription required")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserKey, user)))
		})
	}
}

// HandlerFunc is RequireEntitlement for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// UserFromContext returns the entitled user stored by RequireEntitlement.
func UserFromContext(ctx context.Context) (*subsync.User, bool) {
	user, ok := ctx.Value(UserKey).(*subsync.User)
	return user, ok
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
