package subsync

import "time"

// Metrics defines the interface for tracking reconciliation outcomes.
type Metrics interface {
	// RecordEvent records the outcome of one verified delivery.
	// outcome: "processed", "failed", "duplicate" or "ignored"
	RecordEvent(eventType, outcome string)

	// RecordEventDuration records how long handling a delivery took.
	RecordEventDuration(eventType string, duration time.Duration)

	// RecordHydration records a provider re-fetch and the rule that required it.
	RecordHydration(reason string)

	// RecordTransition records a detected subscription transition.
	RecordTransition(kind string)

	// RecordNotification records a notification attempt.
	// status: "sent" or "error"
	RecordNotification(kind, status string)

	// RecordEntitlementQuery records a billing status query.
	// source: "cache", "session", "pending" or "forbidden"
	RecordEntitlementQuery(source string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(_, _ string)                       {}
func (n *NoopMetrics) RecordEventDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordHydration(_ string)                      {}
func (n *NoopMetrics) RecordTransition(_ string)                     {}
func (n *NoopMetrics) RecordNotification(_, _ string)                {}
func (n *NoopMetrics) RecordEntitlementQuery(_ string)               {}
