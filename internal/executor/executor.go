package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/notebook"
)

// Timeout defaults.
const (
	DefaultStartTimeout = 60 * time.Second
	DefaultIOPubTimeout = 4 * time.Second
)

// Options configure an Executor.
type Options struct {
	// StartTimeout bounds the kernel_info handshake before the first cell.
	StartTimeout time.Duration
	// ExecutionTimeout bounds the wait for each execute reply. Zero waits forever.
	ExecutionTimeout time.Duration
	// IOPubTimeout bounds the wait for each iopub message while draining.
	IOPubTimeout time.Duration
	// RaiseOnIOPubTimeout fails the run when IOPubTimeout expires instead of
	// keeping the partial output.
	RaiseOnIOPubTimeout bool
	// StopOnError stops the run at the first cell whose reply is an error.
	StopOnError bool

	// Path is sent to the kernel as the notebook path. It defaults to
	// metadata.papermill.input_path.
	Path string

	// LogOutput logs stream output at info level.
	LogOutput bool
	// Stdout and Stderr receive a copy of the stream output.
	Stdout io.Writer
	Stderr io.Writer

	Observer Observer
	Logger   *slog.Logger
}

// Executor drives one kernel. It keeps no state between runs, but a kernel
// handles one request at a time, so runs on the same Executor must not overlap.
type Executor struct {
	client   kernel.Client
	opts     Options
	logger   *slog.Logger
	observer Observer
}

// New creates an executor for client.
func New(client kernel.Client, opts Options) *Executor {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.IOPubTimeout <= 0 {
		opts.IOPubTimeout = DefaultIOPubTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var observer Observer = nopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}
	return &Executor{client: client, opts: opts, logger: logger, observer: observer}
}

// run is the state of one Execute call.
type run struct {
	nb       *notebook.Notebook
	state    *RunState
	displays displayRegistry
}

// Execute runs every cell of nb in order, writing outputs and execution
// counts into the cells. It stops at the first timeout, at a failed cell
// when StopOnError is set, or when ctx ends.
func (e *Executor) Execute(ctx context.Context, nb *notebook.Notebook) error {
	if err := e.WaitForReady(ctx); err != nil {
		return err
	}

	state, err := NewRunState(nb, e.opts.Path)
	if err != nil {
		return fmt.Errorf("extract workflow: %w", err)
	}
	r := &run{nb: nb, state: state, displays: make(displayRegistry)}

	for i := range nb.Cells {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.executeCell(ctx, r, i); err != nil {
			return err
		}
	}
	return nil
}

// WaitForReady sends kernel_info_request and waits for the reply within
// StartTimeout.
func (e *Executor) WaitForReady(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, e.opts.StartTimeout)
	defer cancel()

	id, err := e.client.KernelInfo(wctx)
	if err != nil {
		return fmt.Errorf("request kernel info: %w", e.startupErr(ctx, err))
	}
	for {
		msg, err := e.client.ShellMessage(wctx)
		if err != nil {
			return e.startupErr(ctx, err)
		}
		if msg.ParentID() != id || msg.Type() != kernel.MsgKernelInfoReply {
			continue
		}
		var info kernel.KernelInfoReply
		if err := msg.DecodeContent(&info); err != nil {
			e.logger.Warn("malformed kernel_info_reply", "error", err)
		}
		e.logger.Debug("kernel ready",
			"implementation", info.Implementation,
			"protocol_version", info.ProtocolVersion,
			"language", info.LanguageInfo.Name,
		)
		return nil
	}
}

func (e *Executor) startupErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Kind: StartupTimeout, CellIndex: -1, After: e.opts.StartTimeout}
	}
	return err
}

func (e *Executor) executeCell(ctx context.Context, r *run, idx int) error {
	cell := r.nb.Cells[idx]
	e.observer.CellStarted(idx, cell)

	if !cell.IsCode() || cell.IsBlank() {
		cellsTotal.WithLabelValues(StatusSkipped).Inc()
		e.observer.CellFinished(idx, cell, CellResult{Status: StatusSkipped})
		return nil
	}

	start := time.Now()
	fail := func(err error) error {
		status := StatusError
		if errors.Is(err, ErrTimeout) {
			status = StatusTimeout
		}
		cellsTotal.WithLabelValues(status).Inc()
		e.observer.CellFinished(idx, cell, CellResult{Status: status, Err: err, Duration: time.Since(start)})
		return err
	}

	meta := Prepare(cell, r.state, ulid.Make().String())
	msgID, err := e.client.Execute(ctx, kernel.ExecuteRequest{
		Code:            string(cell.Source),
		UserExpressions: map[string]any{},
		SoS:             &meta,
	})
	if err != nil {
		return fail(fmt.Errorf("cell %d: send execute request: %w", idx, err))
	}
	logger := e.logger.With("cell_index", idx, "msg_id", msgID)
	logger.Debug("executing cell", "kernel", meta.Kernel)

	reply, err := e.waitForReply(ctx, idx, msgID)
	if err != nil {
		return fail(err)
	}

	cell.Outputs = []notebook.Output{}
	r.displays.clearCell(idx)
	if err := e.drain(ctx, r, idx, msgID, logger); err != nil {
		return fail(err)
	}

	if reply.ExecutionCount > 0 {
		count := reply.ExecutionCount
		cell.ExecutionCount = &count
	}

	elapsed := time.Since(start)
	cellDuration.Observe(elapsed.Seconds())

	if reply.Status != kernel.ReplyOK {
		cellErr := &CellError{CellIndex: idx, Ename: reply.Ename, Evalue: reply.Evalue}
		cellsTotal.WithLabelValues(StatusError).Inc()
		res := CellResult{Status: StatusError, Duration: elapsed}
		if e.opts.StopOnError {
			res.Err = cellErr
		}
		e.observer.CellFinished(idx, cell, res)
		logger.Info("cell raised an error", "ename", reply.Ename, "evalue", reply.Evalue)
		return res.Err
	}

	cellsTotal.WithLabelValues(StatusOK).Inc()
	e.observer.CellFinished(idx, cell, CellResult{Status: StatusOK, Duration: elapsed})
	return nil
}

// waitForReply reads the shell channel until the execute_reply for msgID
// arrives. Replies to other requests are dropped.
func (e *Executor) waitForReply(ctx context.Context, idx int, msgID string) (kernel.ExecuteReply, error) {
	wctx := ctx
	if e.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, e.opts.ExecutionTimeout)
		defer cancel()
	}

	for {
		msg, err := e.client.ShellMessage(wctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return kernel.ExecuteReply{}, &TimeoutError{Kind: ExecutionTimeout, CellIndex: idx, After: e.opts.ExecutionTimeout}
			}
			return kernel.ExecuteReply{}, fmt.Errorf("cell %d: wait for execute reply: %w", idx, err)
		}
		if msg.ParentID() != msgID || msg.Type() != kernel.MsgExecuteReply {
			e.logger.Debug("discarding shell message", "msg_type", msg.Type(), "parent_id", msg.ParentID())
			continue
		}
		var reply kernel.ExecuteReply
		if err := msg.DecodeContent(&reply); err != nil {
			return kernel.ExecuteReply{}, fmt.Errorf("cell %d: %w", idx, err)
		}
		return reply, nil
	}
}

// drain consumes iopub traffic for msgID until the kernel reports idle.
func (e *Executor) drain(ctx context.Context, r *run, idx int, msgID string, logger *slog.Logger) error {
	for {
		pctx, cancel := context.WithTimeout(ctx, e.opts.IOPubTimeout)
		msg, err := e.client.IOPubMessage(pctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if e.opts.RaiseOnIOPubTimeout {
					return &TimeoutError{Kind: IdleStreamTimeout, CellIndex: idx, After: e.opts.IOPubTimeout}
				}
				logger.Warn("timed out waiting for iopub message, keeping partial output",
					"timeout", e.opts.IOPubTimeout.String())
				return nil
			}
			return fmt.Errorf("cell %d: read iopub: %w", idx, err)
		}

		if msg.ParentID() != msgID {
			countMessage(msg.Type(), actionForeign)
			continue
		}
		if e.handleIOPub(r, idx, msg, logger) {
			return nil
		}
	}
}

// handleIOPub applies one message for the current request and reports
// whether the kernel went idle.
func (e *Executor) handleIOPub(r *run, idx int, msg *kernel.Message, logger *slog.Logger) bool {
	cell := r.nb.Cells[idx]

	switch {
	case msg.Type() == kernel.MsgStatus:
		var st kernel.Status
		if err := msg.DecodeContent(&st); err != nil {
			logger.Error("malformed status message", "error", err)
			countMessage(msg.Type(), actionDiscarded)
			return false
		}
		countMessage(msg.Type(), actionApplied)
		return st.ExecutionState == kernel.StateIdle

	case msg.Type() == kernel.MsgExecuteInput:
		countMessage(msg.Type(), actionDiscarded)
		return false

	case msg.Type() == kernel.MsgClearOutput:
		cell.Outputs = []notebook.Output{}
		r.displays.clearCell(idx)
		countMessage(msg.Type(), actionApplied)
		e.observer.CellCleared(idx)
		return false

	case msg.IsComm():
		countMessage("comm", actionDiscarded)
		return false
	}

	out, displayID, err := outputFromMessage(msg)
	if err != nil {
		logger.Error("discarding iopub message", "msg_type", msg.Type(), "error", err)
		unrecognizedMessagesTotal.Inc()
		countMessage(msg.Type(), actionDiscarded)
		return false
	}
	countMessage(msg.Type(), actionApplied)

	if displayID != "" {
		e.updateDisplay(r, displayID, out, logger)
	}
	if msg.Type() == kernel.MsgUpdateDisplayData {
		return false
	}

	cell.Outputs = append(cell.Outputs, out)
	if displayID != "" {
		r.displays.register(displayID, idx, len(cell.Outputs)-1)
	}
	e.teeStream(idx, out, logger)
	e.observer.CellOutput(idx, out)
	return false
}

// updateDisplay overwrites data and metadata at every position registered
// for id, in cell order.
func (e *Executor) updateDisplay(r *run, id string, out notebook.Output, logger *slog.Logger) {
	cells := r.displays.positions(id)
	if len(cells) == 0 {
		logger.Debug("no outputs registered for display", "display_id", id)
		return
	}
	for _, cellIdx := range slices.Sorted(maps.Keys(cells)) {
		outputs := r.nb.Cells[cellIdx].Outputs
		for _, pos := range cells[cellIdx] {
			if pos >= len(outputs) {
				continue
			}
			outputs[pos].Data = out.Data
			outputs[pos].Metadata = out.Metadata
			e.observer.CellOutputUpdated(cellIdx, pos, outputs[pos])
		}
	}
}

func (e *Executor) teeStream(idx int, out notebook.Output, logger *slog.Logger) {
	if out.OutputType != notebook.OutputStream {
		return
	}
	w := e.opts.Stdout
	if out.Name == "stderr" {
		w = e.opts.Stderr
	}
	if w != nil {
		if _, err := io.WriteString(w, string(out.Text)); err != nil {
			logger.Warn("failed to copy stream output", "stream", out.Name, "error", err)
		}
	}
	if e.opts.LogOutput {
		logger.Info("cell output", "stream", out.Name, "text", string(out.Text))
	}
}
