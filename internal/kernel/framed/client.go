package framed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/sosmill/internal/kernel"
)

var noDeadline time.Time

// Options configure Dial.
type Options struct {
	// Retries is the number of connection attempts. Zero means DefaultDialRetries.
	Retries int
	// Port overrides the port of vsock and fcvsock endpoints when non-zero.
	Port uint32
	// Username is stamped on outgoing headers.
	Username string
	Logger   *slog.Logger
}

// Client is a kernel.Client over one framed stream connection. A single
// reader goroutine demultiplexes incoming envelopes onto the shell and iopub
// queues; writes are serialized.
type Client struct {
	conn    net.Conn
	reader  io.Reader
	session *kernel.Session
	logger  *slog.Logger

	writeMu sync.Mutex
	shell   *kernel.Queue
	iopub   *kernel.Queue

	closeOnce sync.Once
	done      chan struct{}
}

var _ kernel.Client = (*Client)(nil)

// Dial connects to the kernel at endpoint.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	target, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if opts.Port != 0 && (target.Scheme == SchemeVsock || target.Scheme == SchemeFCVsock) {
		target.Port = opts.Port
	}
	conn, reader, err := dialTarget(ctx, target, opts.Retries)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, reader, opts), nil
}

// NewClient wraps an established connection. reader may be nil, in which
// case conn is read directly.
func NewClient(conn net.Conn, reader io.Reader, opts Options) *Client {
	if reader == nil {
		reader = conn
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		reader:  reader,
		session: kernel.NewSession(opts.Username),
		logger:  logger,
		shell:   kernel.NewQueue(),
		iopub:   kernel.NewQueue(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		env, err := ReadEnvelope(c.reader)
		if errors.Is(err, ErrEmptyFrame) {
			c.logger.Warn("dropping empty frame", "channel", env.Channel)
			continue
		}
		if errors.Is(err, ErrMalformedFrame) {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = kernel.ErrClosed
			}
			c.shell.CloseWithError(err)
			c.iopub.CloseWithError(err)
			return
		}
		switch env.Channel {
		case kernel.ChannelShell:
			c.shell.Push(env.Message)
		case kernel.ChannelIOPub:
			c.iopub.Push(env.Message)
		default:
			c.logger.Debug("ignoring message on unsupported channel",
				"channel", env.Channel, "msg_type", env.Message.Type())
		}
	}
}

func (c *Client) send(ctx context.Context, channel string, msg *kernel.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(noDeadline)
	}
	if err := WriteEnvelope(c.conn, channel, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// Execute sends an execute_request on the shell channel.
func (c *Client) Execute(ctx context.Context, req kernel.ExecuteRequest) (string, error) {
	msg, err := c.session.NewMessage(kernel.MsgExecuteRequest, req)
	if err != nil {
		return "", err
	}
	if err := c.send(ctx, kernel.ChannelShell, msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

// KernelInfo sends a kernel_info_request on the shell channel.
func (c *Client) KernelInfo(ctx context.Context) (string, error) {
	msg, err := c.session.NewMessage(kernel.MsgKernelInfoRequest, struct{}{})
	if err != nil {
		return "", err
	}
	if err := c.send(ctx, kernel.ChannelShell, msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

// ShellMessage returns the next shell reply.
func (c *Client) ShellMessage(ctx context.Context) (*kernel.Message, error) {
	return c.shell.Pop(ctx)
}

// IOPubMessage returns the next iopub broadcast.
func (c *Client) IOPubMessage(ctx context.Context) (*kernel.Message, error) {
	return c.iopub.Pop(ctx)
}

// Close closes the connection and waits for the reader to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
