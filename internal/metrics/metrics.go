// Package metrics holds the engine's Prometheus collectors.
//
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subsync"

// Metrics is a private registry plus the engine's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	RetriesScheduled  *prometheus.CounterVec
	RetriesAbandoned  *prometheus.CounterVec
	GatesOpened       *prometheus.CounterVec
	ReceiptsCoalesced prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		RetriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Retry timers scheduled by operation and error class.",
		}, []string{"op", "class"}),
		RetriesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_abandoned_total",
			Help:      "Operations abandoned after exhausting retries.",
		}, []string{"op"}),
		GatesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gates_opened_total",
			Help:      "Readiness gates opened.",
		}, []string{"gate"}),
		ReceiptsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_submissions_coalesced_total",
			Help:      "Receipt submissions attached to an in-flight request.",
		}),
	}

	m.Registry.MustRegister(
		m.Requests,
		m.RetriesScheduled,
		m.RetriesAbandoned,
		m.GatesOpened,
		m.ReceiptsCoalesced,
	)
	return m
}

// ObserveRequest counts a backend request.
func (m *Metrics) ObserveRequest(op, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(op, outcome).Inc()
}

// RetryScheduled counts a scheduled retry.
func (m *Metrics) RetryScheduled(op, class string) {
	if m == nil {
		return
	}
	m.RetriesScheduled.WithLabelValues(op, class).Inc()
}

// RetryAbandoned counts an abandoned operation.
func (m *Metrics) RetryAbandoned(op string) {
	if m == nil {
		return
	}
	m.RetriesAbandoned.WithLabelValues(op).Inc()
}

// GateOpened counts a gate opening.
func (m *Metrics) GateOpened(gate string) {
	if m == nil {
		return
	}
	m.GatesOpened.WithLabelValues(gate).Inc()
}

// ReceiptCoalesced counts a coalesced receipt submission.
func (m *Metrics) ReceiptCoalesced() {
	if m == nil {
		return
	}
	m.ReceiptsCoalesced.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
