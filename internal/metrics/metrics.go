// Package metrics defines the Prometheus collectors exported by the server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wfed"

type Metrics struct {
	sessions      prometheus.Gauge
	clients       prometheus.Gauge
	historyOps    *prometheus.CounterVec
	versionsSaved prometheus.Counter
	flushErrors   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of workflows with a live editing session.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of connected WebSocket clients.",
		}),
		historyOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_operations_total",
			Help:      "History operations applied, by operation.",
		}, []string{"op"}),
		versionsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_saved_total",
			Help:      "Workflow versions persisted.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_flush_errors_total",
			Help:      "Failed write-behind flushes to the backing store.",
		}),
	}
	reg.MustRegister(m.sessions, m.clients, m.historyOps, m.versionsSaved, m.flushErrors)
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.clients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.clients.Dec()
	}
}

// HistoryOp counts an applied push, undo, redo, clear or restore.
func (m *Metrics) HistoryOp(op string) {
	if m != nil {
		m.historyOps.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) VersionSaved() {
	if m != nil {
		m.versionsSaved.Inc()
	}
}

// FlushFailed has the shape of store.FlushObserver.
func (m *Metrics) FlushFailed(string, error) {
	if m != nil {
		m.flushErrors.Inc()
	}
}
