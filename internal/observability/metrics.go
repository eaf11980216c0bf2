// Package observability exposes the server's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters and gauges shared across the realtime and
// persistence layers. Construct one per process (or per test) with a fresh
// registry; nothing here is package-global.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	MessagesSent      prometheus.Counter
	MessagesDropped   prometheus.Counter
	EventsRejected    prometheus.Counter
	PersistRetries    prometheus.Counter
	PersistFailures   prometheus.Counter
	PersistLatency    prometheus.Histogram
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapsync_active_connections",
			Help: "Currently open WebSocket connections.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mapsync_active_rooms",
			Help: "Rooms with at least one connection.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapsync_messages_sent_total",
			Help: "Events delivered to client send buffers.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapsync_messages_dropped_total",
			Help: "Events dropped because a client send buffer was full.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapsync_events_rejected_total",
			Help: "Inbound events dropped as malformed or out of room.",
		}),
		PersistRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapsync_persist_retries_total",
			Help: "Retried persistence writes.",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mapsync_persist_failures_total",
			Help: "Persistence writes abandoned after the retry budget.",
		}),
		PersistLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapsync_persist_latency_seconds",
			Help:    "Latency of successful persistence writes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
