// Package sos is the "sos" notebook engine: it connects to a running SoS
// kernel, executes the notebook through the executor and records papermill
// bookkeeping metadata on the result.
package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/executor"
	"github.com/seantiz/sosmill/internal/notebook"
)

// EngineName is the name used when registering with the engine registry.
const EngineName = "sos"

// Backend implements backend.Backend for SoS notebooks.
type Backend struct {
	dial   Dialer
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// Option customizes a Backend.
type Option func(*Backend)

// WithDialer replaces the kernel dialer, typically with a fake kernel in tests.
func WithDialer(d Dialer) Option {
	return func(b *Backend) { b.dial = d }
}

// NewBackend creates a SoS engine.
func NewBackend(logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{dial: DialKernel, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register adds the engine to reg under EngineName.
func Register(reg *backend.Registry, logger *slog.Logger, opts ...Option) *Backend {
	b := NewBackend(logger, opts...)
	reg.Register(EngineName, b)
	return b
}

// Capabilities reports the kernels and transports this engine supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        EngineName,
		Description: "Executes SoS notebooks against a running SoS kernel",
		Kernels:     []string{"sos"},
		Transports:  []string{"unix", "tcp", "vsock", "fcvsock", "zmq"},
	}
}

// ExecuteNotebook connects to the kernel, runs every cell of nb and records
// papermill metadata. On failure the failing cell gets an error output and
// the notebook's papermill exception flag is set.
func (b *Backend) ExecuteNotebook(ctx context.Context, nb *notebook.Notebook, opts backend.Options) (err error) {
	opts = opts.Normalize()
	logger := opts.Logger
	if logger == nil {
		logger = b.logger
	}
	opts.Logger = logger
	if opts.KernelName == "" {
		opts.KernelName = nb.KernelName()
	}

	start := time.Now()
	bk := newBookkeeper(nb, logger)
	bk.begin()
	defer func() {
		bk.end(err)
		runDuration.Observe(time.Since(start).Seconds())
		runsTotal.WithLabelValues(outcome(err)).Inc()
	}()

	dialStart := time.Now()
	client, err := b.dial(ctx, opts)
	if err != nil {
		return err
	}
	dialDuration.Observe(time.Since(dialStart).Seconds())
	defer func() {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("failed to close kernel connection", "error", cerr)
		}
	}()

	observers := executor.Observers{bk}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}

	ex := executor.New(client, executor.Options{
		StartTimeout:        opts.StartTimeout,
		ExecutionTimeout:    opts.ExecutionTimeout,
		IOPubTimeout:        opts.IOPubTimeout,
		RaiseOnIOPubTimeout: opts.RaiseOnIOPubTimeout,
		StopOnError:         opts.StopOnError,
		Path:                opts.InputPath,
		LogOutput:           opts.LogOutput,
		Stdout:              opts.Stdout,
		Stderr:              opts.Stderr,
		Observer:            observers,
		Logger:              logger,
	})

	logger.Info("executing notebook", "kernel_name", opts.KernelName, "cells", len(nb.Cells))
	if err := ex.Execute(ctx, nb); err != nil {
		if idx := executor.FailedCell(err); idx >= 0 && idx < len(nb.Cells) && !errors.Is(err, executor.ErrCellFailed) {
			cell := nb.Cells[idx]
			cell.Outputs = append(cell.Outputs, failureOutput(err))
		}
		return fmt.Errorf("execute notebook: %w", err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeCompleted
	case errors.Is(err, executor.ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, context.Canceled):
		return outcomeCancelled
	default:
		return outcomeFailed
	}
}
