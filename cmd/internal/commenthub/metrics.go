package commenthub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects broker-side counters. All methods are nil-safe so tests
// and tools can run without a registry.
type Metrics struct {
	connections     prometheus.Gauge
	subscriptions   prometheus.Gauge
	broadcastsTotal *prometheus.CounterVec
	dropsTotal      prometheus.Counter
	rateLimitedTot  prometheus.Counter
}

// NewMetrics registers broker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "campus_commenthub_connections",
			Help: "Currently open websocket connections.",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "campus_commenthub_subscriptions",
			Help: "Currently active topic subscriptions across all connections.",
		}),
		broadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_commenthub_broadcasts_total",
			Help: "Envelopes broadcast to topic rooms, by envelope type.",
		}, []string{"type"}),
		dropsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "campus_commenthub_broadcast_drops_total",
			Help: "Per-member deliveries dropped due to full send queues.",
		}),
		rateLimitedTot: f.NewCounter(prometheus.CounterOpts{
			Name: "campus_commenthub_rate_limited_total",
			Help: "Client frames rejected by the per-connection rate limiter.",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Subscribed() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) Unsubscribed() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) Broadcast(envType string, dropped int) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(envType).Inc()
	if dropped > 0 {
		m.dropsTotal.Add(float64(dropped))
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimitedTot.Inc()
	}
}
