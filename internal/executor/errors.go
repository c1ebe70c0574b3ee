package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("timeout")

	// ErrStartupTimeout matches a kernel that did not answer kernel_info in time.
	ErrStartupTimeout = errors.New("kernel startup timed out")

	// ErrUnrecognizedMessage is logged for iopub messages that cannot be
	// turned into an output. It never fails a run.
	ErrUnrecognizedMessage = errors.New("unrecognized message")

	// ErrCellFailed matches a CellError.
	ErrCellFailed = errors.New("cell raised an error")
)

// TimeoutKind says which wait expired.
type TimeoutKind string

const (
	StartupTimeout    TimeoutKind = "startup"
	ExecutionTimeout  TimeoutKind = "execution"
	IdleStreamTimeout TimeoutKind = "iopub"
)

// TimeoutError aborts a run. CellIndex is -1 for startup timeouts.
type TimeoutError struct {
	Kind      TimeoutKind
	CellIndex int
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	switch e.Kind {
	case StartupTimeout:
		return fmt.Sprintf("kernel did not become ready within %s", e.After)
	case ExecutionTimeout:
		return fmt.Sprintf("cell %d: no execute reply within %s", e.CellIndex, e.After)
	default:
		return fmt.Sprintf("cell %d: no iopub message within %s", e.CellIndex, e.After)
	}
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || (target == ErrStartupTimeout && e.Kind == StartupTimeout)
}

// CellError is returned when StopOnError is set and a cell's reply reports
// an error.
type CellError struct {
	CellIndex int
	Ename     string
	Evalue    string
}

func (e *CellError) Error() string {
	return fmt.Sprintf("cell %d raised %s: %s", e.CellIndex, e.Ename, e.Evalue)
}

func (e *CellError) Is(target error) bool { return target == ErrCellFailed }

// FailedCell returns the cell index carried by err, or -1.
func FailedCell(err error) int {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.CellIndex
	}
	var ce *CellError
	if errors.As(err, &ce) {
		return ce.CellIndex
	}
	return -1
}
