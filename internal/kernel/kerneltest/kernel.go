package kerneltest

import (
	"context"
	"sync"

	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/kernel/framed"
)

// script turns requests into traffic. It is shared by the in-memory Kernel
// and the framed Handler.
type script struct {
	mu        sync.Mutex
	session   *kernel.Session
	responder Responder
	count     int
	requests  []kernel.ExecuteRequest
}

func newScript(r Responder) *script {
	if r == nil {
		r = Echo
	}
	return &script{session: kernel.NewSession("kernel"), responder: r}
}

func (s *script) handle(req *kernel.Message) ([]Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type() {
	case kernel.MsgKernelInfoRequest:
		e := &Emitter{session: s.session, parent: req}
		e.Busy()
		e.emit(kernel.ChannelShell, kernel.MsgKernelInfoReply, req, map[string]any{
			"status":           kernel.ReplyOK,
			"protocol_version": kernel.ProtocolVersion,
			"implementation":   "sos",
			"language_info":    map[string]any{"name": "sos"},
		})
		e.Idle()
		return e.frames, e.err

	case kernel.MsgExecuteRequest:
		var content kernel.ExecuteRequest
		if err := req.DecodeContent(&content); err != nil {
			return nil, err
		}
		s.requests = append(s.requests, content)
		s.count++
		e := &Emitter{session: s.session, parent: req, count: s.count}
		s.responder(content, e)
		return e.frames, e.err
	}
	return nil, nil
}

func (s *script) executed() []kernel.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kernel.ExecuteRequest(nil), s.requests...)
}

// Kernel is an in-memory kernel.Client. Every request is answered
// synchronously by the responder; the traffic is queued for the reader.
type Kernel struct {
	script  *script
	session *kernel.Session
	shell   *kernel.Queue
	iopub   *kernel.Queue

	// SilentKernelInfo makes kernel_info requests go unanswered.
	SilentKernelInfo bool

	mu     sync.Mutex
	closed bool
}

var _ kernel.Client = (*Kernel)(nil)

// New returns a kernel answering with r, or Echo when r is nil.
func New(r Responder) *Kernel {
	return &Kernel{
		script:  newScript(r),
		session: kernel.NewSession("client"),
		shell:   kernel.NewQueue(),
		iopub:   kernel.NewQueue(),
	}
}

func (k *Kernel) deliver(msg *kernel.Message) error {
	frames, err := k.script.handle(msg)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.Channel == kernel.ChannelShell {
			k.shell.Push(f.Message)
		} else {
			k.iopub.Push(f.Message)
		}
	}
	return nil
}

func (k *Kernel) Execute(ctx context.Context, req kernel.ExecuteRequest) (string, error) {
	msg, err := k.session.NewMessage(kernel.MsgExecuteRequest, req)
	if err != nil {
		return "", err
	}
	if err := k.deliver(msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

func (k *Kernel) KernelInfo(ctx context.Context) (string, error) {
	msg, err := k.session.NewMessage(kernel.MsgKernelInfoRequest, struct{}{})
	if err != nil {
		return "", err
	}
	if !k.SilentKernelInfo {
		if err := k.deliver(msg); err != nil {
			return "", err
		}
	}
	return msg.Header.MsgID, nil
}

func (k *Kernel) ShellMessage(ctx context.Context) (*kernel.Message, error) {
	return k.shell.Pop(ctx)
}

func (k *Kernel) IOPubMessage(ctx context.Context) (*kernel.Message, error) {
	return k.iopub.Pop(ctx)
}

// Close shuts both channels. Queued messages stay readable.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.closed {
		k.closed = true
		k.shell.CloseWithError(kernel.ErrClosed)
		k.iopub.CloseWithError(kernel.ErrClosed)
	}
	return nil
}

// Closed reports whether Close was called.
func (k *Kernel) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// Requests returns the execute requests received so far.
func (k *Kernel) Requests() []kernel.ExecuteRequest {
	return k.script.executed()
}

// Handler serves the same scripted kernel over the framed transport.
type Handler struct {
	script *script
}

var _ framed.Handler = (*Handler)(nil)

// NewHandler returns a framed handler answering with r, or Echo when r is nil.
func NewHandler(r Responder) *Handler {
	return &Handler{script: newScript(r)}
}

func (h *Handler) HandleShell(ctx context.Context, req *kernel.Message, send framed.SendFunc) error {
	frames, err := h.script.handle(req)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := send(f.Channel, f.Message); err != nil {
			return err
		}
	}
	return nil
}

// Requests returns the execute requests received so far.
func (h *Handler) Requests() []kernel.ExecuteRequest {
	return h.script.executed()
}
