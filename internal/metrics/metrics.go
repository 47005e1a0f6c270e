// Package metrics holds the Prometheus instruments for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"skywatch/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the Skywatch gateway
type Metrics struct {
	// Event pipeline
	EventsIngested *prometheus.CounterVec // source: live|history
	EventsDropped  *prometheus.CounterVec // reason: parse|timestamp|duplicate|noise|noop_filter
	FSMTransitions *prometheus.CounterVec // from, to

	// WebSocket hub
	HubConnections *prometheus.GaugeVec   // endpoint
	HubMessages    *prometheus.CounterVec // type, direction
	ClientsDropped *prometheus.CounterVec // reason: slow|cap|closed

	// Upstream link
	UpstreamReconnects *prometheus.CounterVec // result: ok|failed

	// Persistence
	DBQueries       *prometheus.CounterVec
	DBDuration      *prometheus.HistogramVec
	DBWriteFailures *prometheus.CounterVec
}

// New registers the gateway metrics on the collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		EventsIngested:     mc.NewCounter("events_ingested_total", "Normalized imaging-host events ingested", []string{"source"}),
		EventsDropped:      mc.NewCounter("events_dropped_total", "Imaging-host events dropped by the normalizer", []string{"reason"}),
		FSMTransitions:     mc.NewCounter("session_transitions_total", "Session FSM state transitions", []string{"from", "to"}),
		UpstreamReconnects: mc.NewCounter("upstream_reconnects_total", "Upstream WebSocket reconnect attempts", []string{"result"}),
	}
	m.HubConnections, m.HubMessages, m.ClientsDropped = mc.CreateWebSocketMetrics()
	m.DBQueries, m.DBDuration, m.DBWriteFailures = mc.CreateDatabaseMetrics()
	return m
}

// DropEvent increments the dropped-events counter, tolerating a nil receiver
// so components can run without metrics in tests.
func (m *Metrics) DropEvent(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// IngestEvent increments the ingested-events counter.
func (m *Metrics) IngestEvent(source string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source).Inc()
}

// Transition records an FSM state transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.FSMTransitions.WithLabelValues(from, to).Inc()
}

// ObserveQuery records one database query's outcome and duration.
func (m *Metrics) ObserveQuery(queryType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DBQueries.WithLabelValues(queryType, status).Inc()
	m.DBDuration.WithLabelValues(queryType).Observe(d.Seconds())
}

// WriteFailure records a failed database write.
func (m *Metrics) WriteFailure(operation string) {
	if m == nil {
		return
	}
	m.DBWriteFailures.WithLabelValues(operation).Inc()
}
