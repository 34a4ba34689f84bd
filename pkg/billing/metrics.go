package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookRequest records an HTTP delivery received from the provider.
	// status: the HTTP status code answered, as string (e.g. "200", "400").
	RecordWebhookRequest(provider, status string)

	// RecordWebhookDuration records how long the delivery took end to end.
	RecordWebhookDuration(provider string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: e.g. "invalid_signature", "payload_too_large", "ledger_error".
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API operation called (e.g. "subscriptions.retrieve")
	// status: "success", "not_found", "error" or "circuit_open".
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordBreakerState records a circuit breaker state change.
	RecordBreakerState(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookRequest(_, _ string)                   {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                     {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordBreakerState(_, _ string)                     {}
