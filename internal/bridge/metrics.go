package bridge

import "github.com/prometheus/client_golang/prometheus"

var relayDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labrun_relay_dropped_events_total",
		Help: "Total non-essential events dropped by slow relay consumers.",
	},
	[]string{"relay"},
)

func init() {
	prometheus.MustRegister(relayDroppedTotal)
}
