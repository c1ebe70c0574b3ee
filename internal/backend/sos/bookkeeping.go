package sos

import (
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/sosmill/internal/executor"
	"github.com/seantiz/sosmill/internal/notebook"
)

// Papermill cell statuses.
const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// bookkeeper records papermill's execution metadata on the notebook and its
// cells as the executor reports progress.
type bookkeeper struct {
	nb     *notebook.Notebook
	logger *slog.Logger
	now    func() time.Time
	start  time.Time
	starts map[int]time.Time
}

var _ executor.Observer = (*bookkeeper)(nil)

func newBookkeeper(nb *notebook.Notebook, logger *slog.Logger) *bookkeeper {
	return &bookkeeper{nb: nb, logger: logger, now: time.Now, starts: make(map[int]time.Time)}
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// begin marks every cell pending and stamps the notebook start time.
func (b *bookkeeper) begin() {
	b.start = b.now()
	for _, c := range b.nb.Cells {
		if c.Metadata == nil {
			c.Metadata = notebook.Metadata{}
		}
		b.merge(c.Metadata, map[string]any{
			"start_time": nil,
			"end_time":   nil,
			"duration":   nil,
			"status":     statusPending,
			"exception":  nil,
		})
	}
	if b.nb.Metadata == nil {
		b.nb.Metadata = notebook.Metadata{}
	}
	b.merge(b.nb.Metadata, map[string]any{
		"start_time": stamp(b.start),
		"end_time":   nil,
		"duration":   nil,
		"exception":  nil,
	})
}

// end stamps the notebook end time and whether the run failed.
func (b *bookkeeper) end(runErr error) {
	end := b.now()
	b.merge(b.nb.Metadata, map[string]any{
		"end_time":  stamp(end),
		"duration":  end.Sub(b.start).Seconds(),
		"exception": runErr != nil,
	})
}

func (b *bookkeeper) merge(m notebook.Metadata, fields map[string]any) {
	if err := m.Merge(notebook.PapermillKey, fields); err != nil {
		b.logger.Warn("failed to record papermill metadata", "error", err)
	}
}

func (b *bookkeeper) CellStarted(index int, cell *notebook.Cell) {
	start := b.now()
	b.starts[index] = start
	b.merge(cell.Metadata, map[string]any{
		"start_time": stamp(start),
		"status":     statusRunning,
	})
}

func (b *bookkeeper) CellOutput(int, notebook.Output)             {}
func (b *bookkeeper) CellOutputUpdated(int, int, notebook.Output) {}
func (b *bookkeeper) CellCleared(int)                             {}

func (b *bookkeeper) CellFinished(index int, cell *notebook.Cell, res executor.CellResult) {
	end := b.now()
	status := statusCompleted
	failed := res.Status == executor.StatusError || res.Status == executor.StatusTimeout || res.Err != nil
	if failed {
		status = statusFailed
	}
	b.merge(cell.Metadata, map[string]any{
		"end_time":  stamp(end),
		"duration":  end.Sub(b.starts[index]).Seconds(),
		"status":    status,
		"exception": failed,
	})
}

// failureOutput is appended to the failing cell when the run aborts without
// a kernel-reported error, so the notebook shows why it stopped.
func failureOutput(err error) notebook.Output {
	ename := "RunError"
	var te *executor.TimeoutError
	if errors.As(err, &te) {
		ename = "TimeoutError"
	}
	return notebook.ErrorOutput(ename, err.Error(), []string{ename + ": " + err.Error()})
}
