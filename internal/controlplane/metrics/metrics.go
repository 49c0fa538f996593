// Package metrics exposes Prometheus metrics for the alert engine.
//
// Metric naming follows Prometheus conventions:
//   - flarealert_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/channels"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

// HubStats provides live connection info.
type HubStats interface {
	Count() int
}

// Metrics holds the engine's collectors on a private registry. It
// implements the dispatcher and ingest observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	terminal        *prometheus.CounterVec
	ingested        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	candidates      prometheus.Counter
	broadcasts      prometheus.Counter
	startTime       time.Time
}

// New creates and registers the collectors. hub may be nil.
func New(hub HubStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarealert_delivery_attempts_total",
				Help: "Delivery attempts by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flarealert_delivery_attempt_duration_seconds",
				Help:    "Duration of delivery attempts in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"channel"},
		),
		terminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarealert_notifications_terminal_total",
				Help: "Notifications reaching a terminal state by channel and status.",
			},
			[]string{"channel", "status"},
		),
		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarealert_predictions_ingested_total",
				Help: "Predictions accepted by source.",
			},
			[]string{"source"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flarealert_predictions_rejected_total",
				Help: "Predictions rejected as invalid by source.",
			},
			[]string{"source"},
		),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flarealert_trigger_candidates_total",
			Help: "Config and channel pairs fired by predictions.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flarealert_broadcast_deliveries_total",
			Help: "Prediction broadcasts written to live connections.",
		}),
		startTime: time.Now(),
	}

	m.registry.MustRegister(
		m.attempts,
		m.attemptDuration,
		m.terminal,
		m.ingested,
		m.rejected,
		m.candidates,
		m.broadcasts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flarealert_uptime_seconds",
			Help: "Server uptime in seconds.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	if hub != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flarealert_live_connections",
			Help: "Current live-push WebSocket connections.",
		}, func() float64 { return float64(hub.Count()) }))
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AttemptFinished records one delivery attempt.
func (m *Metrics) AttemptFinished(ch alerts.Channel, outcome channels.Outcome, elapsed time.Duration) {
	m.attempts.WithLabelValues(string(ch), outcome.String()).Inc()
	m.attemptDuration.WithLabelValues(string(ch)).Observe(elapsed.Seconds())
}

// NotificationTerminal records a delivered or failed notification.
func (m *Metrics) NotificationTerminal(ch alerts.Channel, status notifications.Status) {
	m.terminal.WithLabelValues(string(ch), string(status)).Inc()
}

// PredictionHandled records an accepted prediction.
func (m *Metrics) PredictionHandled(source string, candidates, broadcast int) {
	m.ingested.WithLabelValues(source).Inc()
	m.candidates.Add(float64(candidates))
	m.broadcasts.Add(float64(broadcast))
}

// PredictionRejected records an invalid prediction.
func (m *Metrics) PredictionRejected(source string) {
	m.rejected.WithLabelValues(source).Inc()
}
