package sim

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/labrun/internal/model"
)

var (
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labrun_sim_run_seconds",
			Help:    "Duration of simulated plan runs from start to finish, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	connectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labrun_sim_device_connect_seconds",
			Help:    "Duration of the device connection step before a run starts, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labrun_sim_active_runs",
			Help: "Number of simulated runs currently executing.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrun_sim_runs_total",
			Help: "Total number of simulated runs by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(connectDuration)
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(runsTotal)

	// Pre-initialize outcomes so they appear in /metrics with value 0.
	for _, o := range []string{
		model.OutcomeCompleted,
		model.OutcomeStopped,
		model.OutcomeAborted,
		model.OutcomeFailed,
	} {
		runsTotal.WithLabelValues(o)
	}
}
