package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_actions_accepted_total",
		Help: "Actions accepted and broadcast with an assigned version.",
	})

	ActionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_actions_rejected_total",
		Help: "Actions rejected, by reason.",
	}, []string{"reason"})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablesync_rooms_active",
		Help: "Rooms currently active.",
	})

	RoomsHibernating = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablesync_rooms_hibernating",
		Help: "Rooms retained without live connections.",
	})

	RoomsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_rooms_abandoned_total",
		Help: "Rooms retired after prolonged hibernation.",
	})

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablesync_connections_open",
		Help: "Live websocket connections attached to rooms.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
