package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/sosmill/internal/model"
)

var (
	activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sosmill_engine_active_runs",
		Help: "Number of notebook runs currently executing.",
	})

	runEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sosmill_engine_run_events_total",
			Help: "Run events recorded, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(runEventsTotal)

	for _, kind := range []string{
		model.EventCellStarted, model.EventCellOutput, model.EventCellOutputUpdated,
		model.EventCellCleared, model.EventCellFinished, model.EventRunFinished,
	} {
		runEventsTotal.WithLabelValues(kind)
	}
}
