package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/seantiz/sosmill/internal/executor"
	"github.com/seantiz/sosmill/internal/model"
	"github.com/seantiz/sosmill/internal/notebook"
	"github.com/seantiz/sosmill/internal/store"
)

type cellStartedPayload struct {
	CellType string `json:"cell_type"`
	Kernel   string `json:"kernel,omitempty"`
}

type cellFinishedPayload struct {
	Status         string `json:"status"`
	DurationMS     int64  `json:"duration_ms"`
	ExecutionCount *int   `json:"execution_count,omitempty"`
	Error          string `json:"error,omitempty"`
}

type outputUpdatedPayload struct {
	OutputIndex int             `json:"output_index"`
	Output      notebook.Output `json:"output"`
}

type runFinishedPayload struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FailedCell *int   `json:"failed_cell,omitempty"`
}

// recorder is the executor observer of one run. Each callback becomes a
// persisted event that is also published to live subscribers. All callbacks
// arrive on the run's goroutine, so seq needs no locking.
type recorder struct {
	store  store.Store
	broker *EventBroker
	runID  string
	logger *slog.Logger
	seq    int
}

var _ executor.Observer = (*recorder)(nil)

func (r *recorder) record(cellIndex int, kind string, payload any) {
	ev := model.Event{
		RunID:     r.runID,
		Seq:       r.seq,
		CellIndex: cellIndex,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	r.seq++

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.logger.Error("failed to encode event payload", "kind", kind, "error", err)
		} else {
			ev.Payload = data
		}
	}

	// Persist with a fresh context so cancellation still leaves a full history.
	if err := r.store.InsertEvent(context.Background(), &ev); err != nil {
		r.logger.Error("failed to persist run event", "kind", kind, "seq", ev.Seq, "error", err)
	}
	runEventsTotal.WithLabelValues(kind).Inc()
	r.broker.Publish(ev)
}

func (r *recorder) CellStarted(index int, cell *notebook.Cell) {
	r.record(index, model.EventCellStarted, cellStartedPayload{
		CellType: cell.CellType,
		Kernel:   cell.Kernel(),
	})
}

func (r *recorder) CellOutput(index int, out notebook.Output) {
	r.record(index, model.EventCellOutput, out)
}

func (r *recorder) CellOutputUpdated(index, pos int, out notebook.Output) {
	r.record(index, model.EventCellOutputUpdated, outputUpdatedPayload{OutputIndex: pos, Output: out})
}

func (r *recorder) CellCleared(index int) {
	r.record(index, model.EventCellCleared, nil)
}

func (r *recorder) CellFinished(index int, cell *notebook.Cell, res executor.CellResult) {
	p := cellFinishedPayload{
		Status:         res.Status,
		DurationMS:     res.Duration.Milliseconds(),
		ExecutionCount: cell.ExecutionCount,
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	r.record(index, model.EventCellFinished, p)
}

func (r *recorder) runFinished(run *model.Run) {
	r.record(-1, model.EventRunFinished, runFinishedPayload{
		Status:     run.Status,
		Error:      run.Error,
		FailedCell: run.FailedCell,
	})
}
