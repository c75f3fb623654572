package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registry's Prometheus instruments.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	EventsSent        prometheus.Counter
	EventsFailed      prometheus.Counter
	EventsDropped     prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
}

// NewMetrics registers the registry metrics on reg. A nil registerer yields
// unregistered (but usable) instruments, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Current live SSE/WebSocket connections on this instance.",
		}),
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_sent_total",
			Help: "Events written to a transport successfully.",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_failed_total",
			Help: "Transport write failures.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Events dropped due to outbound queue overflow.",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_heartbeat_timeouts_total",
			Help: "Connections closed after missing the liveness grace window.",
		}),
	}
}
