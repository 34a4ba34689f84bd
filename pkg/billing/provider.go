package billing

import (
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Provider is the generic interface that any billing backend must implement.
// It is both the inbound side (webhook deliveries) and the outbound side
// (re-fetching authoritative objects for hydration).
type Provider interface {
	subsync.ProviderClient

	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider deliveries.
	// The implementation verifies, records and dispatches events internally.
	WebhookHandler() http.Handler
}
