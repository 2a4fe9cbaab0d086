// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's collectors on a private registry so tests
// can run many servers in one process without duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	CommandsSent    prometheus.Counter
	ResultsReceived *prometheus.CounterVec
	AuthRejections  prometheus.Counter
	ProtocolErrors  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsmesh",
			Name:      "active_sessions",
			Help:      "Number of currently registered agent sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsmesh",
			Name:      "sessions_total",
			Help:      "Total agent sessions registered since start.",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsmesh",
			Name:      "commands_sent_total",
			Help:      "Total commands dispatched to agents.",
		}),
		ResultsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsmesh",
			Name:      "results_received_total",
			Help:      "Total results received from agents, by outcome.",
		}, []string{"status"}),
		AuthRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsmesh",
			Name:      "auth_rejections_total",
			Help:      "Total registrations rejected for a bad token.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsmesh",
			Name:      "protocol_errors_total",
			Help:      "Total malformed or oversized frames observed.",
		}),
	}
	m.registry.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.CommandsSent,
		m.ResultsReceived,
		m.AuthRejections,
		m.ProtocolErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
