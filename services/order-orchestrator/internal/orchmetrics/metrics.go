// Package orchmetrics holds the prometheus collectors shared by the
// orchestrator's components. Every method is safe on a nil *Metrics.
package orchmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BatchSubmissions      *prometheus.CounterVec
	BatchLatency          *prometheus.HistogramVec
	ValidationFailures    prometheus.Counter
	IdempotencyLookups    *prometheus.CounterVec
	OrdersPlaced          *prometheus.CounterVec
	ConnectorLatency      *prometheus.HistogramVec
	BreakerOpen           *prometheus.GaugeVec
	LifecycleTransitions  *prometheus.CounterVec
	IllegalTransitions    prometheus.Counter
	EventsPublished       *prometheus.CounterVec
	ExecutionReports      *prometheus.CounterVec
	ReconciliationReports *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_batch_submissions_total",
				Help: "Total order batch submissions by outcome.",
			},
			[]string{"status"},
		),
		BatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_batch_latency_seconds",
				Help:    "End-to-end batch submission latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		ValidationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "order_validation_failures_total",
				Help: "Total batches rejected by order validation.",
			},
		),
		IdempotencyLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_idempotency_lookups_total",
				Help: "Idempotency cache lookups by result.",
			},
			[]string{"result"},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_orders_placed_total",
				Help: "Orders handed to broker connectors by resulting status.",
			},
			[]string{"broker", "status"},
		),
		ConnectorLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_connector_latency_seconds",
				Help:    "Broker connector call latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"broker", "operation"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_circuit_open",
				Help: "1 when the broker circuit breaker is open.",
			},
			[]string{"broker"},
		),
		LifecycleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_lifecycle_transitions_total",
				Help: "Applied order status transitions.",
			},
			[]string{"from", "to"},
		),
		IllegalTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "order_lifecycle_illegal_transitions_total",
				Help: "Rejected order status transitions.",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_events_published_total",
				Help: "Order lifecycle events by publish outcome.",
			},
			[]string{"event_type", "status"},
		),
		ExecutionReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_execution_reports_total",
				Help: "Broker execution reports consumed by outcome.",
			},
			[]string{"status"},
		),
		ReconciliationReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_reports_total",
				Help: "Reconciliation reports generated by outcome.",
			},
			[]string{"status"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.BatchSubmissions,
			m.BatchLatency,
			m.ValidationFailures,
			m.IdempotencyLookups,
			m.OrdersPlaced,
			m.ConnectorLatency,
			m.BreakerOpen,
			m.LifecycleTransitions,
			m.IllegalTransitions,
			m.EventsPublished,
			m.ExecutionReports,
			m.ReconciliationReports,
		)
	}
	return m
}

func (m *Metrics) ObserveBatch(status string, start time.Time) {
	if m == nil {
		return
	}
	m.BatchSubmissions.WithLabelValues(status).Inc()
	m.BatchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ValidationFailed() {
	if m == nil {
		return
	}
	m.ValidationFailures.Inc()
}

func (m *Metrics) Idempotency(result string) {
	if m == nil {
		return
	}
	m.IdempotencyLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) OrderPlaced(broker, status string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(broker, status).Inc()
}

func (m *Metrics) ConnectorCall(broker, operation string, start time.Time) {
	if m == nil {
		return
	}
	m.ConnectorLatency.WithLabelValues(broker, operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetBreakerOpen(broker string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(broker).Set(v)
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.LifecycleTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IllegalTransition() {
	if m == nil {
		return
	}
	m.IllegalTransitions.Inc()
}

func (m *Metrics) EventPublished(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ExecutionReport(status string) {
	if m == nil {
		return
	}
	m.ExecutionReports.WithLabelValues(status).Inc()
}

func (m *Metrics) Reconciliation(status string) {
	if m == nil {
		return
	}
	m.ReconciliationReports.WithLabelValues(status).Inc()
}
