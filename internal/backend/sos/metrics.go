package sos

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for run outcome.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sosmill_sos_runs_total",
			Help: "Total number of notebooks executed by the SoS engine, by outcome.",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sosmill_sos_run_seconds",
			Help:    "Duration of a notebook run including the kernel handshake, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	dialDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sosmill_sos_kernel_dial_seconds",
			Help:    "Duration of kernel connection establishment, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(dialDuration)

	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeTimeout, outcomeCancelled} {
		runsTotal.WithLabelValues(o)
	}
}
