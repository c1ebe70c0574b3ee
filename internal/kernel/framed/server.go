package framed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/sosmill/internal/kernel"
)

// Handler answers one shell request. It publishes iopub traffic and the
// shell reply through send, in the order the kernel would emit them.
type Handler interface {
	HandleShell(ctx context.Context, req *kernel.Message, send SendFunc) error
}

// SendFunc writes one message on the named channel.
type SendFunc func(channel string, msg *kernel.Message) error

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *kernel.Message, send SendFunc) error

// HandleShell calls f.
func (f HandlerFunc) HandleShell(ctx context.Context, req *kernel.Message, send SendFunc) error {
	return f(ctx, req, send)
}

// Serve accepts connections on ln and serves each with h until ctx ends or
// the listener fails.
func Serve(ctx context.Context, ln net.Listener, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Go(func() {
			defer conn.Close()
			if err := ServeConn(ctx, conn, h); err != nil {
				logger.Warn("kernel connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		})
	}
}

// ServeConn reads shell requests from conn and dispatches them to h
// sequentially, like a kernel with a single execution thread. It returns nil
// when the peer disconnects.
func ServeConn(ctx context.Context, conn net.Conn, h Handler) error {
	var writeMu sync.Mutex
	send := func(channel string, msg *kernel.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteEnvelope(conn, channel, msg)
	}

	for {
		env, err := ReadEnvelope(conn)
		if errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrMalformedFrame) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if env.Channel != kernel.ChannelShell {
			continue
		}
		if err := h.HandleShell(ctx, env.Message, send); err != nil {
			return fmt.Errorf("handle %s: %w", env.Message.Type(), err)
		}
	}
}
