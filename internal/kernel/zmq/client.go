// Package zmq connects to a running Jupyter kernel over ZeroMQ using the
// kernel's connection file. Only the shell and iopub channels are opened.
package zmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/seantiz/sosmill/internal/kernel"
)

// Options configure Dial.
type Options struct {
	// Session overrides the generated session id.
	Session  string
	Username string
	Logger   *slog.Logger
}

// Client is a kernel.Client over a DEALER socket on the shell channel and a
// SUB socket on iopub. Reader goroutines decode frames onto unbounded queues.
type Client struct {
	shellSock zmq4.Socket
	iopubSock zmq4.Socket
	signer    *kernel.Signer
	session   *kernel.Session
	logger    *slog.Logger

	sendMu sync.Mutex
	shell  *kernel.Queue
	iopub  *kernel.Queue

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ kernel.Client = (*Client)(nil)

// DialFile loads a connection file and dials it.
func DialFile(ctx context.Context, path string, opts Options) (*Client, error) {
	info, err := kernel.LoadConnectionFile(path)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, info, opts)
}

// Dial opens the shell and iopub sockets described by info.
func Dial(ctx context.Context, info kernel.ConnectionInfo, opts Options) (*Client, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	shellEP, err := info.Endpoint(kernel.ChannelShell)
	if err != nil {
		return nil, err
	}
	iopubEP, err := info.Endpoint(kernel.ChannelIOPub)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session := kernel.NewSession(opts.Username)
	if opts.Session != "" {
		session.ID = opts.Session
	}

	sockCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	shellSock := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(session.ID)))
	if err := shellSock.Dial(shellEP); err != nil {
		cancel()
		return nil, fmt.Errorf("dial shell %s: %w", shellEP, err)
	}
	iopubSock := zmq4.NewSub(sockCtx)
	if err := iopubSock.Dial(iopubEP); err != nil {
		shellSock.Close()
		cancel()
		return nil, fmt.Errorf("dial iopub %s: %w", iopubEP, err)
	}
	if err := iopubSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		shellSock.Close()
		iopubSock.Close()
		cancel()
		return nil, fmt.Errorf("subscribe iopub: %w", err)
	}

	c := &Client{
		shellSock: shellSock,
		iopubSock: iopubSock,
		signer:    kernel.NewSigner(info.Key),
		session:   session,
		logger:    logger,
		shell:     kernel.NewQueue(),
		iopub:     kernel.NewQueue(),
		ctx:       sockCtx,
		cancel:    cancel,
	}
	c.wg.Go(func() { c.readLoop(kernel.ChannelShell, shellSock, c.shell) })
	c.wg.Go(func() { c.readLoop(kernel.ChannelIOPub, iopubSock, c.iopub) })

	logger.Debug("connected to kernel", "shell", shellEP, "iopub", iopubEP, "session", session.ID)
	return c, nil
}

func (c *Client) readLoop(channel string, sock zmq4.Socket, q *kernel.Queue) {
	for {
		raw, err := sock.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				err = kernel.ErrClosed
			}
			q.CloseWithError(err)
			return
		}
		msg, _, err := kernel.Decode(raw.Frames, c.signer)
		if err != nil {
			c.logger.Warn("dropping undecodable kernel message", "channel", channel, "error", err)
			continue
		}
		q.Push(msg)
	}
}

func (c *Client) send(msg *kernel.Message) error {
	frames, err := kernel.Encode(msg, c.signer)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.shellSock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
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
	if err := c.send(msg); err != nil {
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
	if err := c.send(msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

func (c *Client) ShellMessage(ctx context.Context) (*kernel.Message, error) {
	return c.shell.Pop(ctx)
}

func (c *Client) IOPubMessage(ctx context.Context) (*kernel.Message, error) {
	return c.iopub.Pop(ctx)
}

// Close closes both sockets and waits for the readers to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = errors.Join(c.shellSock.Close(), c.iopubSock.Close())
		c.wg.Wait()
	})
	return err
}
