package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/executor"
	"github.com/seantiz/sosmill/internal/model"
	"github.com/seantiz/sosmill/internal/notebook"
	"github.com/seantiz/sosmill/internal/store"
)

// ErrRunFinished is returned by Cancel for runs that already ended.
var ErrRunFinished = errors.New("run already finished")

// Engine orchestrates asynchronous notebook runs.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	defaults backend.Options
	wg       sync.WaitGroup
	broker   *EventBroker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine creates a new execution engine. defaults fill the options a
// submission leaves unset.
func NewEngine(s store.Store, reg *backend.Registry, logger *slog.Logger, defaults backend.Options) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		defaults: defaults,
		broker:   NewEventBroker(),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Defaults returns a copy of the options used to fill submissions.
func (e *Engine) Defaults() backend.Options {
	d := e.defaults
	d.Extra = maps.Clone(d.Extra)
	return d
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit stores r with status "pending" and executes nb in a goroutine.
// The engine takes ownership of nb. The goroutine operates on a copy of r
// to avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, r *model.Run, nb *notebook.Notebook, opts backend.Options) error {
	if r.Engine == "" {
		r.Engine = backend.DefaultEngine
	}
	if r.InputPath == "" {
		r.InputPath = nb.InputPath()
	}
	if r.KernelName == "" {
		r.KernelName = nb.KernelName()
	}
	r.CellCount = len(nb.Cells)
	if r.Notebook == nil {
		data, err := nb.Marshal()
		if err != nil {
			return fmt.Errorf("encode notebook: %w", err)
		}
		r.Notebook = data
	}

	if err := e.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[r.ID] = cancel
	e.mu.Unlock()

	rCopy := *r
	e.wg.Go(func() {
		defer cancel()
		e.execute(runCtx, &rCopy, nb, opts)
	})

	return nil
}

// Cancel stops a run. A run executing in this process is interrupted and
// finishes as cancelled; a pending run left over from an earlier process is
// marked cancelled directly.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminal(r.Status) {
		return ErrRunFinished
	}
	return e.store.UpdateRunStatus(ctx, id, model.StatusCancelled)
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every in-flight run and waits for them to record their
// final state, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

// execute runs the lifecycle of one run: pending→running→completed/failed/cancelled.
func (e *Engine) execute(ctx context.Context, r *model.Run, nb *notebook.Notebook, opts backend.Options) {
	defer e.broker.Close(r.ID)
	defer e.forget(r.ID)

	logger := e.logger.With("run_id", r.ID)
	rec := &recorder{store: e.store, broker: e.broker, runID: r.ID, logger: logger}

	if err := e.store.UpdateRunStatus(context.Background(), r.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			logger.Info("run left pending before it started", "error", err)
			return
		}
		logger.Error("failed to transition to running", "error", err)
		e.finish(rec, r, nb, nil, fmt.Errorf("start run: %w", err))
		return
	}

	// Capture start time immediately after the running transition so that
	// started_at stays consistent across every exit path.
	start := time.Now().UTC()
	activeRuns.Inc()
	defer activeRuns.Dec()

	b, err := e.registry.Resolve(r.Engine)
	if err != nil {
		e.finish(rec, r, nb, &start, fmt.Errorf("resolve engine: %w", err))
		return
	}

	opts = e.mergeOptions(opts)
	if opts.InputPath == "" {
		opts.InputPath = r.InputPath
	}
	opts.Observer = rec
	opts.Logger = logger

	logger.Info("run started", "engine", r.Engine, "cells", r.CellCount)
	err = b.ExecuteNotebook(ctx, nb, opts)
	e.finish(rec, r, nb, &start, err)
}

// finish records the outcome of a run. startedAt is nil if execution never
// started.
func (e *Engine) finish(rec *recorder, r *model.Run, nb *notebook.Notebook, startedAt *time.Time, runErr error) {
	logger := rec.logger
	now := time.Now().UTC()
	durationMS := 0
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}
	r.StartedAt = startedAt
	r.FinishedAt = &now
	r.DurationMS = &durationMS

	if data, err := nb.Marshal(); err != nil {
		logger.Error("failed to encode executed notebook", "error", err)
	} else {
		r.Notebook = data
	}

	switch {
	case runErr == nil:
		r.Status = model.StatusCompleted
	case errors.Is(runErr, context.Canceled):
		r.Status = model.StatusCancelled
		r.Error = "run cancelled"
	default:
		r.Status = model.StatusFailed
		r.Error = runErr.Error()
		if idx := executor.FailedCell(runErr); idx >= 0 {
			r.FailedCell = &idx
		}
	}

	rec.runFinished(r)
	if err := e.store.UpdateRun(context.Background(), r); err != nil {
		logger.Error("failed to update finished run", "status", r.Status, "error", err)
		return
	}
	logger.Info("run finished", "status", r.Status, "duration_ms", durationMS)
}

// mergeOptions fills unset fields of opts from the engine defaults. Extra
// entries from the submission override default entries with the same key.
// Boolean switches have no unset state and are taken from opts as given;
// callers that want the default switches start from Defaults.
func (e *Engine) mergeOptions(opts backend.Options) backend.Options {
	d := e.defaults
	if opts.KernelName == "" {
		opts.KernelName = d.KernelName
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = d.StartTimeout
	}
	if opts.ExecutionTimeout == 0 {
		opts.ExecutionTimeout = d.ExecutionTimeout
	}
	if opts.IOPubTimeout == 0 {
		opts.IOPubTimeout = d.IOPubTimeout
	}
	if opts.Endpoint == "" && opts.ConnectionFile == "" {
		opts.Endpoint = d.Endpoint
		opts.ConnectionFile = d.ConnectionFile
	}
	if opts.Stdout == nil {
		opts.Stdout = d.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = d.Stderr
	}
	if len(d.Extra) > 0 {
		extra := maps.Clone(d.Extra)
		maps.Copy(extra, opts.Extra)
		opts.Extra = extra
	}
	return opts
}
