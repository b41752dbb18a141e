package messaging

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/labrun/internal/model"
)

const (
	resultSent  = "sent"
	resultError = "error"
)

var busMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labrun_bus_messages_total",
		Help: "Total messages handed to the message bus, by event kind and result.",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(busMessagesTotal)

	for _, k := range []model.EventKind{model.KindStatus, model.KindProgress, model.KindData, model.KindWorker} {
		for _, r := range []string{resultSent, resultError} {
			busMessagesTotal.WithLabelValues(string(k), r)
		}
	}
}
