package system

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsStarted counts runs that made it through initialization.
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watergrid",
		Subsystem: "system",
		Name:      "runs_started_total",
		Help:      "Total scenario runs initialized",
	})

	// stepsTotal counts successfully completed solver steps.
	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watergrid",
		Subsystem: "system",
		Name:      "steps_total",
		Help:      "Total solver steps completed",
	})

	// stepErrors counts steps that failed and moved a run to errored.
	stepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watergrid",
		Subsystem: "system",
		Name:      "step_errors_total",
		Help:      "Total solver steps that failed",
	})

	// stepDuration measures end-to-end step latency, including boundary
	// refresh and output collection.
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "watergrid",
		Subsystem: "system",
		Name:      "step_duration_seconds",
		Help:      "Solver step latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
	})

	// resultsFlushed counts result-scenario saves, partial flushes included.
	resultsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watergrid",
		Subsystem: "system",
		Name:      "results_flushed_total",
		Help:      "Total result flushes to the data connection",
	})
)
