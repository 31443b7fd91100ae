package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the coordinator's Prometheus collectors.
type Metrics struct {
	// Polls counts poll attempts by result ("ok", "error").
	Polls *prometheus.CounterVec
	// StreamEvents counts stream messages by result ("applied", "malformed", "error").
	StreamEvents *prometheus.CounterVec
	// Reconnects counts stream reconnect attempts.
	Reconnects prometheus.Counter
	// RowsApplied counts rows that changed local state, by source ("stream", "poll").
	RowsApplied *prometheus.CounterVec
	// State is the current State as a number.
	State prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "realtime",
			Name:      "polls_total",
			Help:      "Poll attempts by result.",
		}, []string{"result"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "realtime",
			Name:      "stream_events_total",
			Help:      "Event-stream messages by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "realtime",
			Name:      "stream_reconnects_total",
			Help:      "Event-stream reconnect attempts.",
		}),
		RowsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "realtime",
			Name:      "rows_applied_total",
			Help:      "Rows that changed local state, by source.",
		}, []string{"source"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "realtime",
			Name:      "state",
			Help:      "Coordinator state (0 starting, 1 streaming, 2 degraded, 3 stopped).",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Polls, m.StreamEvents, m.Reconnects, m.RowsApplied, m.State)
	}
	return m
}
