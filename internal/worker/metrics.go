package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/labrun/internal/model"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrun_worker_tasks_total",
			Help: "Total tasks finished by the worker, by outcome.",
		},
		[]string{"outcome"},
	)

	phaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labrun_worker_phase",
			Help: "Current worker phase (1 for the active phase, 0 otherwise).",
		},
		[]string{"phase"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labrun_worker_queue_depth",
			Help: "Number of tasks waiting to run.",
		},
	)

	unresponsiveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrun_worker_engine_unresponsive_total",
			Help: "Total control requests the engine failed to confirm within the grace period.",
		},
		[]string{"request"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal, phaseGauge, queueDepth, unresponsiveTotal)

	for _, o := range []string{
		model.OutcomeCompleted,
		model.OutcomeStopped,
		model.OutcomeAborted,
		model.OutcomeFailed,
		model.OutcomeDiscarded,
	} {
		tasksTotal.WithLabelValues(o)
	}
	for _, p := range model.Phases {
		phaseGauge.WithLabelValues(p.String())
	}
}

func setPhaseGauge(current model.Phase) {
	for _, p := range model.Phases {
		v := 0.0
		if p == current {
			v = 1
		}
		phaseGauge.WithLabelValues(p.String()).Set(v)
	}
}
