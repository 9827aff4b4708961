package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_runs_total",
			Help: "Total number of script runs by terminal status.",
		},
		[]string{"status"},
	)

	runsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_runs_rejected_total",
			Help: "Run requests rejected because the script was already running.",
		},
	)

	runsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_runs_timed_out_total",
			Help: "Runs forcibly terminated for exceeding their timeout.",
		},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_run_duration_seconds",
			Help:    "Wall-clock duration of script runs, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	installsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_dependency_installs_total",
			Help: "Per-package dependency install attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runsRejectedTotal)
	prometheus.MustRegister(runsTimedOutTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(installsTotal)

	// Pre-initialize label combinations so they appear in /metrics at zero.
	runsTotal.WithLabelValues(model.StatusSuccess)
	runsTotal.WithLabelValues(model.StatusFailure)
	installsTotal.WithLabelValues("success")
	installsTotal.WithLabelValues("failure")
}
