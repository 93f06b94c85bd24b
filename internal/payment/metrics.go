package payment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCheckoutSessionsTotal  = "payment_checkout_sessions_total"
	MetricGatewayRequestDuration = "payment_gateway_request_duration_seconds"
	MetricWebhookEventsTotal     = "payment_webhook_events_total"
	MetricBalanceCreditedTotal   = "payment_balance_credited_minor_units_total"
	MetricOrphanedSessionsTotal  = "payment_orphaned_sessions_total"
)

// Metrics contains Prometheus metrics for checkout and reconciliation.
// All operations are thread-safe and safe to call on a nil *Metrics.
type Metrics struct {
	checkoutSessions *prometheus.CounterVec
	gatewayDuration  prometheus.Histogram
	webhookEvents    *prometheus.CounterVec
	balanceCredited  prometheus.Counter
	orphanedSessions prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		checkoutSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCheckoutSessionsTotal,
				Help: "Total number of checkout initiations by result",
			},
			[]string{"result"},
		),
		gatewayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricGatewayRequestDuration,
			Help:    "Duration of checkout session creation calls to the payment gateway in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEventsTotal,
				Help: "Total number of verified webhook events by type and reconciliation outcome",
			},
			[]string{"event_type", "outcome"},
		),
		balanceCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBalanceCreditedTotal,
			Help: "Total amount credited to user balances in minor units",
		}),
		orphanedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricOrphanedSessionsTotal,
			Help: "Checkout sessions created at the gateway whose local payment row could not be written",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.checkoutSessions,
		m.gatewayDuration,
		m.webhookEvents,
		m.balanceCredited,
		m.orphanedSessions,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncCheckoutSessions counts one initiation attempt with the given result.
func (m *Metrics) IncCheckoutSessions(result string) {
	if m == nil {
		return
	}
	m.checkoutSessions.WithLabelValues(result).Inc()
}

// ObserveGatewayDuration records a gateway call duration in seconds.
func (m *Metrics) ObserveGatewayDuration(seconds float64) {
	if m == nil {
		return
	}
	m.gatewayDuration.Observe(seconds)
}

// IncWebhookEvents counts one verified webhook event.
func (m *Metrics) IncWebhookEvents(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// AddBalanceCredited adds a credited amount.
func (m *Metrics) AddBalanceCredited(amount int64) {
	if m == nil {
		return
	}
	m.balanceCredited.Add(float64(amount))
}

// IncOrphanedSessions counts a session left without a local payment row.
func (m *Metrics) IncOrphanedSessions() {
	if m == nil {
		return
	}
	m.orphanedSessions.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.checkoutSessions,
		m.gatewayDuration,
		m.webhookEvents,
		m.balanceCredited,
		m.orphanedSessions,
	}
}
