package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of the socket server.
type Metrics struct {
	connections prometheus.Gauge
	inbound     *prometheus.CounterVec
	published   *prometheus.CounterVec
	delivered   prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics registers the metrics on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of open socket connections",
		}),
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "inbound_frames_total",
			Help:      "Frames received from clients, by event",
		}, []string{"event"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "published_events_total",
			Help:      "Events published to rooms, by event",
		}, []string{"event"}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Frames queued to a connection",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "dropped_connections_total",
			Help:      "Connections dropped because their send buffer was full",
		}),
	}
}
