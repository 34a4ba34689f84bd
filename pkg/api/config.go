package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// StatusService answers the billing status query.
// *subsync.EntitlementService implements it.
type StatusService interface {
	Status(ctx context.Context, userID, sessionID string) (subsync.EntitlementStatus, error)
}

// Config holds configuration for the billing status handler
type Config struct {
	// Entitlements answers the status query (required)
	Entitlements StatusService

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// SessionParam is the query parameter carrying the checkout session id.
	// Defaults to "session_id".
	SessionParam string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is optional. If nil, failures are not logged.
	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Entitlements == nil {
		return fmt.Errorf("entitlement service is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new billing status handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SessionParam == "" {
		config.SessionParam = defaultSessionParam
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
