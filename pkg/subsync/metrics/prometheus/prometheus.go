package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const subsystem = "subsync"

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	eventDuration      *prometheus.HistogramVec
	hydrationsTotal    *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	entitlementQueries *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of verified billing events by outcome.",
		}, []string{"event_type", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_duration_seconds",
			Help:      "Duration of billing event handling in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		hydrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hydrations_total",
			Help:      "Total number of subscription re-fetches by reason.",
		}, []string{"reason"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Total number of detected subscription transitions.",
		}, []string{"kind"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_total",
			Help:      "Total number of notification attempts by status.",
		}, []string{"kind", "status"}),

		entitlementQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entitlement_queries_total",
			Help:      "Total number of billing status queries by answer source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordEventDuration(eventType string, duration time.Duration) {
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordHydration(reason string) {
	m.hydrationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTransition(kind string) {
	m.transitionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordNotification(kind, status string) {
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordEntitlementQuery(source string) {
	m.entitlementQueries.WithLabelValues(source).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) subsync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
