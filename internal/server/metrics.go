// File: internal/server/metrics.go
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus instruments. Each server builds its
// own registry so multiple instances in one process (tests, mainly) never
// fight over collector registration.
type metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	commandsTotal  *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	scansStarted   prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zapmcp",
			Name:      "sessions_active",
			Help:      "Number of currently connected sessions.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapmcp",
			Name:      "commands_total",
			Help:      "Commands dispatched, by command name and reply status.",
		}, []string{"command", "status"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapmcp",
			Name:      "events_total",
			Help:      "Push events emitted to subscribers, by event type.",
		}, []string{"type"}),
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zapmcp",
			Name:      "scans_started_total",
			Help:      "Scan jobs submitted to the engine.",
		}),
	}
	reg.MustRegister(m.sessionsActive, m.commandsTotal, m.eventsTotal, m.scansStarted)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
