package model

import (
	"encoding/json"
	"time"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Event kinds recorded while a run executes.
const (
	EventCellStarted       = "cell_started"
	EventCellOutput        = "cell_output"
	EventCellOutputUpdated = "cell_output_updated"
	EventCellCleared       = "cell_cleared"
	EventCellFinished      = "cell_finished"
	EventRunFinished       = "run_finished"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status ends a run.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Run is one notebook execution submitted to the service. Notebook holds the
// submitted document and, once the run ends, the executed one.
type Run struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Engine     string     `json:"engine"`
	KernelName string     `json:"kernel_name,omitempty"`
	InputPath  string     `json:"input_path,omitempty"`
	Notebook   []byte     `json:"-"`
	Error      string     `json:"error,omitempty"`
	FailedCell *int       `json:"failed_cell,omitempty"`
	CellCount  int        `json:"cell_count"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event is a single persisted progress record of a run. CellIndex is -1 for
// events that concern the whole run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	CellIndex int             `json:"cell_index"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
