package executor

import (
	"time"

	"github.com/seantiz/sosmill/internal/notebook"
)

// Cell statuses reported in CellResult.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusTimeout = "timeout"
)

// CellResult describes how a cell ended.
type CellResult struct {
	Status string
	// Err is set when the run stops at this cell.
	Err      error
	Duration time.Duration
}

// Observer is notified as cells progress. Callbacks run on the executing
// goroutine and must not block.
type Observer interface {
	CellStarted(index int, cell *notebook.Cell)
	CellOutput(index int, out notebook.Output)
	// CellOutputUpdated reports an output at position pos rewritten in place
	// by a display update. index may name an earlier cell.
	CellOutputUpdated(index, pos int, out notebook.Output)
	CellCleared(index int)
	CellFinished(index int, cell *notebook.Cell, res CellResult)
}

// Observers fans callbacks out to several observers in order.
type Observers []Observer

func (o Observers) CellStarted(index int, cell *notebook.Cell) {
	for _, obs := range o {
		obs.CellStarted(index, cell)
	}
}

func (o Observers) CellOutput(index int, out notebook.Output) {
	for _, obs := range o {
		obs.CellOutput(index, out)
	}
}

func (o Observers) CellOutputUpdated(index, pos int, out notebook.Output) {
	for _, obs := range o {
		obs.CellOutputUpdated(index, pos, out)
	}
}

func (o Observers) CellCleared(index int) {
	for _, obs := range o {
		obs.CellCleared(index)
	}
}

func (o Observers) CellFinished(index int, cell *notebook.Cell, res CellResult) {
	for _, obs := range o {
		obs.CellFinished(index, cell, res)
	}
}

type nopObserver struct{}

func (nopObserver) CellStarted(int, *notebook.Cell)              {}
func (nopObserver) CellOutput(int, notebook.Output)              {}
func (nopObserver) CellOutputUpdated(int, int, notebook.Output)  {}
func (nopObserver) CellCleared(int)                              {}
func (nopObserver) CellFinished(int, *notebook.Cell, CellResult) {}
