package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router's Prometheus instruments.
type Metrics struct {
	LocalDelivered prometheus.Counter
	Relayed        prometheus.Counter
	Unresolved     prometheus.Counter
	Duplicates     prometheus.Counter
}

// NewMetrics registers the fanout metrics on reg. A nil registerer yields
// unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LocalDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_fanout_local_delivered_total",
			Help: "Events enqueued on connections owned by this instance.",
		}),
		Relayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_fanout_relayed_total",
			Help: "Events forwarded to the owning instance over the relay.",
		}),
		Unresolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_fanout_unresolved_total",
			Help: "Event targets with no live connection on any instance.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_fanout_duplicates_total",
			Help: "Deliveries suppressed by the per-connection dedup window.",
		}),
	}
}
