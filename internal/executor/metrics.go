package executor

import "github.com/prometheus/client_golang/prometheus"

// iopub message actions.
const (
	actionApplied   = "applied"
	actionDiscarded = "discarded"
	actionForeign   = "foreign"
)

// metricMsgTypes bounds the msg_type label.
var metricMsgTypes = map[string]bool{
	"status":              true,
	"execute_input":       true,
	"stream":              true,
	"execute_result":      true,
	"display_data":        true,
	"update_display_data": true,
	"error":               true,
	"clear_output":        true,
	"comm":                true,
}

var (
	cellsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sosmill_executor_cells_total",
			Help: "Total number of notebook cells processed, by outcome.",
		},
		[]string{"status"},
	)

	iopubMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sosmill_executor_iopub_messages_total",
			Help: "Total number of iopub messages read while draining cells.",
		},
		[]string{"msg_type", "action"},
	)

	unrecognizedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sosmill_executor_unrecognized_messages_total",
			Help: "Total number of iopub messages that could not be converted to an output.",
		},
	)

	cellDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sosmill_executor_cell_duration_seconds",
			Help:    "Duration from execute request to idle status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(cellsTotal)
	prometheus.MustRegister(iopubMessagesTotal)
	prometheus.MustRegister(unrecognizedMessagesTotal)
	prometheus.MustRegister(cellDuration)

	for _, s := range []string{StatusOK, StatusError, StatusSkipped, StatusTimeout} {
		cellsTotal.WithLabelValues(s)
	}
}

func countMessage(msgType, action string) {
	if !metricMsgTypes[msgType] {
		msgType = "other"
	}
	iopubMessagesTotal.WithLabelValues(msgType, action).Inc()
}
