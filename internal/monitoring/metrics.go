// Package monitoring exposes the engine's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine updates. Construct with a
// dedicated registry in tests to avoid cross-test registration clashes.
type Metrics struct {
	QueueLength    prometheus.Gauge
	ActiveUsers    prometheus.Gauge
	LiveSessions   prometheus.Gauge
	MatchesTotal   prometheus.Counter
	FallbacksTotal prometheus.Counter
	ReapedTotal    prometheus.Counter
	MessagesTotal  *prometheus.CounterVec
	MatchWait      prometheus.Histogram
}

// NewMetrics registers all collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatmatch_queue_length",
			Help: "Number of users currently waiting for a match.",
		}),
		ActiveUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatmatch_active_users",
			Help: "Number of users in waiting, matched or ai_chat state.",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatmatch_live_ai_sessions",
			Help: "Number of live AI conversation sessions.",
		}),
		MatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatmatch_matches_total",
			Help: "Total human-to-human matches committed.",
		}),
		FallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatmatch_ai_fallbacks_total",
			Help: "Total AI fallback sessions started after a queue timeout.",
		}),
		ReapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatmatch_reaped_total",
			Help: "Total disconnected users removed after the grace window.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatmatch_messages_total",
			Help: "Messages processed, by outcome.",
		}, []string{"outcome"}),
		MatchWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatmatch_match_wait_seconds",
			Help:    "Queue wait time until a human match, in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		}),
	}
}
