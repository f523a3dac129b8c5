package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connsOpened     prometheus.Counter
	connsClosed     prometheus.Counter
	connectErrors   prometheus.Counter
	connsTrashed    prometheus.Counter
	connsRecycled   prometheus.Counter
	openConns       *prometheus.GaugeVec
	dispatches      *prometheus.CounterVec
	noHostAvailable prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		connsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "connections_opened_total",
			Help:      "Connections that completed their handshake.",
		}),
		connsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "connections_closed_total",
			Help:      "Connections retired through the counter gate.",
		}),
		connectErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "connect_errors_total",
			Help:      "Handshakes that failed after exhausting the reconnect budget.",
		}),
		connsTrashed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "connections_trashed_total",
			Help:      "Surplus idle connections parked in the trashcan.",
		}),
		connsRecycled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "connections_recycled_total",
			Help:      "Connections taken back out of the trashcan.",
		}),
		openConns: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cqlpool",
			Name:      "open_connections",
			Help:      "Connections currently admitted per endpoint, pooled or trashed.",
		}, []string{"endpoint"}),
		dispatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "dispatches_total",
			Help:      "Requests dispatched onto a connection.",
		}, []string{"op"}),
		noHostAvailable: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlpool",
			Name:      "no_host_available_total",
			Help:      "Connect walks that exhausted their query plan.",
		}),
	}
}
