// Package metrics provides Prometheus metrics for the fulfillment engine.
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsIssued  prometheus.Counter
	FillsCommitted       *prometheus.CounterVec
	FillFailures         *prometheus.CounterVec
	CommitDuration       prometheus.Histogram
	InventorySearches    *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
	OutboxPending        prometheus.Gauge
	PrescriptionsExpired prometheus.Counter
	DeliveryEvents       *prometheus.CounterVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_issued_total",
			Help: "Total prescriptions issued",
		}),
		FillsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_commits_total",
			Help: "Committed fulfillment rounds by resulting prescription status",
		}, []string{"status"}),
		FillFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_commit_failures_total",
			Help: "Rejected fulfillment commits by error kind",
		}, []string{"kind"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fulfillment_commit_duration_seconds",
			Help:    "Fulfillment commit duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		InventorySearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_searches_total",
			Help: "Inventory catalog searches by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		PrescriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_expired_total",
			Help: "Prescriptions moved to expired",
		}),
		DeliveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_events_consumed_total",
			Help: "Delivery events consumed by type and outcome",
		}, []string{"type", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PrescriptionsIssued,
			m.FillsCommitted,
			m.FillFailures,
			m.CommitDuration,
			m.InventorySearches,
			m.CircuitBreakerState,
			m.OutboxPending,
			m.PrescriptionsExpired,
			m.DeliveryEvents,
		)
	}
	return m
}

func (m *Metrics) Issued() {
	if m != nil {
		m.PrescriptionsIssued.Inc()
	}
}

// Committed records a successful commit and its latency.
func (m *Metrics) Committed(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.FillsCommitted.WithLabelValues(status).Inc()
	m.CommitDuration.Observe(took.Seconds())
}

// CommitFailed records a rejected commit by error kind.
func (m *Metrics) CommitFailed(kind string) {
	if m != nil {
		m.FillFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Searched(outcome string) {
	if m != nil {
		m.InventorySearches.WithLabelValues(outcome).Inc()
	}
}

// BreakerState sets the gauge for a named breaker.
func (m *Metrics) BreakerState(name string, value float64) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(value)
	}
}

func (m *Metrics) Pending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

func (m *Metrics) Expired(n int) {
	if m != nil {
		m.PrescriptionsExpired.Add(float64(n))
	}
}

func (m *Metrics) DeliveryEvent(eventType, outcome string) {
	if m != nil {
		m.DeliveryEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
