package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks coordinator activity for Prometheus scraping. A nil
// *Metrics is valid and records nothing, so metrics stay optional.
type Metrics struct {
	// SessionsSpawned counts spawn and continue calls.
	// Labels: provider
	SessionsSpawned *prometheus.CounterVec

	// SessionsEnded counts terminal sessions by outcome.
	// Labels: provider, status (completed|failed|terminated|aborted)
	SessionsEnded *prometheus.CounterVec

	// ActiveSessions gauges sessions between spawn and done.
	// Labels: provider
	ActiveSessions *prometheus.GaugeVec

	// EventsEmitted counts session events routed through the coordinator.
	// Labels: type
	EventsEmitted *prometheus.CounterVec

	// CheckpointsWritten counts checkpoint saves.
	CheckpointsWritten prometheus.Counter
}

// NewMetrics registers coordinator metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers coordinator metrics with the given registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsSpawned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_sessions_spawned_total",
				Help: "Total number of agent sessions spawned or continued",
			},
			[]string{"provider"},
		),
		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_sessions_ended_total",
				Help: "Total number of agent sessions reaching a terminal status",
			},
			[]string{"provider", "status"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strand_active_sessions",
				Help: "Current number of live agent sessions",
			},
			[]string{"provider"},
		),
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_agent_events_total",
				Help: "Total number of agent events routed by the coordinator",
			},
			[]string{"type"},
		),
		CheckpointsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "strand_checkpoints_written_total",
				Help: "Total number of checkpoints persisted",
			},
		),
	}
}

// SessionSpawned records a spawn or continue.
func (m *Metrics) SessionSpawned(provider string) {
	if m == nil {
		return
	}
	m.SessionsSpawned.WithLabelValues(provider).Inc()
	m.ActiveSessions.WithLabelValues(provider).Inc()
}

// SessionEnded records a terminal session.
func (m *Metrics) SessionEnded(provider, status string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(provider, status).Inc()
	m.ActiveSessions.WithLabelValues(provider).Dec()
}

// EventEmitted records one routed session event.
func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// CheckpointWritten records a checkpoint save.
func (m *Metrics) CheckpointWritten() {
	if m == nil {
		return
	}
	m.CheckpointsWritten.Inc()
}
