package backend

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/sosmill/internal/executor"
	"github.com/seantiz/sosmill/internal/notebook"
)

// Backend is the interface every notebook engine implements.
type Backend interface {
	// ExecuteNotebook runs nb in place. The context carries cancellation;
	// per-wait timeouts come from opts.
	ExecuteNotebook(ctx context.Context, nb *notebook.Notebook, opts Options) error

	// Capabilities reports what the engine can connect to.
	Capabilities() Capabilities
}

// Options are the settings a host passes to an engine for one run.
type Options struct {
	KernelName string `json:"kernel_name,omitempty"`
	LogOutput  bool   `json:"log_output,omitempty"`

	// Stdout and Stderr receive a copy of the cells' stream output.
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`

	StartTimeout        time.Duration `json:"start_timeout,omitempty"`
	ExecutionTimeout    time.Duration `json:"execution_timeout,omitempty"`
	IOPubTimeout        time.Duration `json:"iopub_timeout,omitempty"`
	RaiseOnIOPubTimeout bool          `json:"raise_on_iopub_timeout,omitempty"`
	StopOnError         bool          `json:"stop_on_error,omitempty"`

	// Endpoint selects the framed transport, ConnectionFile the ZeroMQ one.
	Endpoint       string `json:"endpoint,omitempty"`
	ConnectionFile string `json:"connection_file,omitempty"`

	// InputPath is reported to the kernel as the notebook path. It defaults
	// to metadata.papermill.input_path.
	InputPath string `json:"input_path,omitempty"`

	// Extra holds options the engine does not recognize. They are handed to
	// the transport unchanged.
	Extra map[string]any `json:"extra,omitempty"`

	// Observer receives cell progress in addition to the engine's own
	// bookkeeping.
	Observer executor.Observer `json:"-"`
	Logger   *slog.Logger      `json:"-"`
}

// Capabilities describes an engine.
type Capabilities struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kernels     []string `json:"kernels"`
	Transports  []string `json:"transports"`
}
