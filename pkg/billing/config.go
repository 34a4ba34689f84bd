package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	DefaultHTTPTimeout         = 10 * time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerResetTimeout = 30 * time.Second
	DefaultMaxBodyBytes        = 256 * 1024
	DefaultRateLimitWindow     = time.Minute
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// WebhookSecret is the signing secret used to verify incoming deliveries
	// (for Stripe, the whsec_... endpoint secret).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider, i.e. the
	// subscription and checkout session re-fetches.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation.
	HTTPClient *http.Client

	// MaxBodyBytes caps the size of a webhook body. Defaults to 256 KiB.
	MaxBodyBytes int64

	// RateLimitRequests bounds the rejected webhook deliveries (bad payload or
	// signature) accepted from one client IP per RateLimitWindow. Further
	// rejections get 429 until the window resets. Verified deliveries are never
	// counted or limited. Zero disables the limit. The window defaults to a minute.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// BreakerThreshold is the number of consecutive provider API failures that
	// opens the circuit. Zero uses DefaultBreakerThreshold, negative disables it.
	BreakerThreshold int

	// BreakerResetTimeout is how long an open circuit waits before letting a
	// probe call through.
	BreakerResetTimeout time.Duration

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional. If nil, logging is disabled.
	Logger subsync.Logger
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = DefaultBreakerResetTimeout
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &subsync.NoopLogger{}
	}
	return c
}
