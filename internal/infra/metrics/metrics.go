// Package metrics provides Prometheus instrumentation for the console.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aiconsole/internal/domain"
)

// Metrics holds the console's collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	MutationsTotal     *prometheus.CounterVec
	TurnsTotal         *prometheus.CounterVec
	RenderFailures     *prometheus.CounterVec
	StreamRestarts     *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	MessagesTotal      *prometheus.CounterVec
	DroppedConnections prometheus.Counter
}

// New registers the collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aiconsole_mutations_applied_total",
			Help: "Chat mutations applied, by mutation type.",
		}, []string{"type"}),
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aiconsole_turns_total",
			Help: "Finished turns, by execution mode and outcome.",
		}, []string{"mode", "outcome"}),
		RenderFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aiconsole_material_render_failures_total",
			Help: "Materials that failed to render, by content type.",
		}, []string{"content_type"}),
		StreamRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aiconsole_llm_stream_restarts_total",
			Help: "Inference streams reopened after a failure, by provider.",
		}, []string{"provider"}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "aiconsole_ws_connections_active",
			Help: "Open websocket connections.",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aiconsole_ws_messages_total",
			Help: "Client messages received, by message type.",
		}, []string{"type"}),
		DroppedConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "aiconsole_ws_slow_consumers_total",
			Help: "Connections closed because their send buffer overflowed.",
		}),
	}
}

func (m *Metrics) MutationApplied(kind domain.MutationKind) {
	m.MutationsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) TurnFinished(mode domain.ExecutionModeKind, outcome string) {
	label := string(mode)
	if label == "" {
		label = "none"
	}
	m.TurnsTotal.WithLabelValues(label, outcome).Inc()
}

func (m *Metrics) RenderFailed(contentType domain.MaterialContentType) {
	m.RenderFailures.WithLabelValues(string(contentType)).Inc()
}

func (m *Metrics) StreamRestarted(provider string) {
	m.StreamRestarts.WithLabelValues(provider).Inc()
}

// ConnectionOpened and ConnectionClosed track the websocket gauge.
func (m *Metrics) ConnectionOpened() { m.ConnectionsActive.Inc() }

func (m *Metrics) ConnectionClosed() { m.ConnectionsActive.Dec() }

func (m *Metrics) MessageReceived(msgType string) {
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SlowConsumerDropped() { m.DroppedConnections.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
