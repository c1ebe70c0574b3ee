package sos

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/kernel/framed"
	"github.com/seantiz/sosmill/internal/kernel/zmq"
)

// Transport options read from backend.Options.Extra.
const (
	extraDialRetries = "dial_retries"
	extraVsockPort   = "vsock_port"
	extraSession     = "session"
	extraUsername    = "username"
)

// ErrNoKernel is returned when the options name neither an endpoint nor a
// connection file.
var ErrNoKernel = errors.New("no kernel endpoint or connection file configured")

// Dialer opens the kernel connection for one run.
type Dialer func(ctx context.Context, opts backend.Options) (kernel.Client, error)

// DialKernel connects using the ZeroMQ transport when a connection file is
// set and the framed transport when an endpoint is set.
func DialKernel(ctx context.Context, opts backend.Options) (kernel.Client, error) {
	switch {
	case opts.ConnectionFile != "":
		info, err := kernel.LoadConnectionFile(opts.ConnectionFile)
		if err != nil {
			return nil, err
		}
		if opts.KernelName != "" && info.KernelName != "" && info.KernelName != opts.KernelName && opts.Logger != nil {
			opts.Logger.Warn("connection file belongs to a different kernel",
				"kernel_name", opts.KernelName, "connection_kernel", info.KernelName)
		}
		c, err := zmq.Dial(ctx, info, zmq.Options{
			Session:  opts.ExtraString(extraSession),
			Username: opts.ExtraString(extraUsername),
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dial kernel: %w", err)
		}
		return c, nil

	case opts.Endpoint != "":
		fo := framed.Options{Logger: opts.Logger, Username: opts.ExtraString(extraUsername)}
		if n, ok := opts.ExtraInt(extraDialRetries); ok {
			fo.Retries = n
		}
		if n, ok := opts.ExtraInt(extraVsockPort); ok && n > 0 {
			fo.Port = uint32(n)
		}
		c, err := framed.Dial(ctx, opts.Endpoint, fo)
		if err != nil {
			return nil, fmt.Errorf("dial kernel: %w", err)
		}
		return c, nil
	}
	return nil, ErrNoKernel
}
