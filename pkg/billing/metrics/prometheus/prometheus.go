package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/billing"
)

var breakerStates = []billing.CircuitBreakerState{
	billing.StateClosed,
	billing.StateOpen,
	billing.StateHalfOpen,
}

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookRequestsTotal *prometheus.CounterVec
	webhookDuration      *prometheus.HistogramVec
	webhookErrorsTotal   *prometheus.CounterVec
	apiCallsTotal        *prometheus.CounterVec
	apiCallDuration      *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec
	breakerTransitions   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for billing providers.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_requests_total",
			Help:      "Total number of webhook deliveries by answered HTTP status.",
		}, []string{"provider", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Duration of webhook deliveries in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhook deliveries.",
		}, []string{"provider", "error_type"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to billing providers.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to billing providers in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (1 for the active state, 0 otherwise).",
		}, []string{"provider", "state"}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"provider", "state"}),
	}
}

func (m *Metrics) RecordWebhookRequest(provider, status string) {
	m.webhookRequestsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordWebhookDuration(provider string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordBreakerState(provider, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if string(s) == state {
			v = 1
		}
		m.breakerState.WithLabelValues(provider, string(s)).Set(v)
	}
	m.breakerTransitions.WithLabelValues(provider, state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
