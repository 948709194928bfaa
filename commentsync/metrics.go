package commentsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	echoMatches     prometheus.Counter
	resyncs         prometheus.Counter
	orphanDrops     prometheus.Counter
	pendingTimeouts prometheus.Counter
	staleIgnored    prometheus.Counter
}

// NewMetrics registers the engine collectors with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campus",
			Subsystem: "commentsync",
			Name:      "events_applied_total",
			Help:      "Remote comment events applied to the tree, by event type.",
		}, []string{"type"}),
		echoMatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "campus",
			Subsystem: "commentsync",
			Name:      "echo_matches_total",
			Help:      "Broadcast echoes matched to locally pending writes.",
		}),
		resyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "campus",
			Subsystem: "commentsync",
			Name:      "resyncs_total",
			Help:      "Snapshot resyncs performed after reconnect.",
		}),
		orphanDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "campus",
			Subsystem: "commentsync",
			Name:      "orphan_drops_total",
			Help:      "Buffered reply events dropped because their parent never arrived.",
		}),
		pendingTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "campus",
			Subsystem: "commentsync",
			Name:      "pending_timeouts_total",
			Help:      "Optimistic writes that expired without a confirming echo.",
		}),
		staleIgnored: f.NewCounter(prometheus.CounterOpts{
			Namespace: "campus",
			Subsystem: "commentsync",
			Name:      "stale_events_ignored_total",
			Help:      "Update/delete events referencing ids absent from the tree.",
		}),
	}
}

func (m *Metrics) eventApplied(typ string) {
	if m != nil {
		m.eventsApplied.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) echoMatched() {
	if m != nil {
		m.echoMatches.Inc()
	}
}

func (m *Metrics) resyncDone() {
	if m != nil {
		m.resyncs.Inc()
	}
}

func (m *Metrics) orphanDropped() {
	if m != nil {
		m.orphanDrops.Inc()
	}
}

func (m *Metrics) pendingTimedOut() {
	if m != nil {
		m.pendingTimeouts.Inc()
	}
}

func (m *Metrics) staleEventIgnored() {
	if m != nil {
		m.staleIgnored.Inc()
	}
}
