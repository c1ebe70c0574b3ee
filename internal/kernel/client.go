package kernel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by channel reads after the transport has shut down.
var ErrClosed = errors.New("kernel channel closed")

// Client is the pair of kernel channels the executor drives. The shell
// channel carries requests and their replies; the iopub channel carries the
// status and output broadcast for every request.
//
// A Client is used by one run at a time. Reads block until a message
// arrives, the context ends, or the transport closes.
type Client interface {
	// Execute sends an execute_request and returns its message id.
	Execute(ctx context.Context, req ExecuteRequest) (string, error)

	// KernelInfo sends a kernel_info_request and returns its message id.
	KernelInfo(ctx context.Context) (string, error)

	// ShellMessage returns the next message received on the shell channel.
	ShellMessage(ctx context.Context) (*Message, error)

	// IOPubMessage returns the next message received on the iopub channel.
	IOPubMessage(ctx context.Context) (*Message, error)

	// Close releases the transport.
	Close() error
}

// Queue is an unbounded FIFO of messages with a blocking, context-aware Pop.
// Transports push from their reader goroutines; because the executor reads
// the shell reply before draining iopub, a bounded buffer could stall the
// reader behind iopub traffic and never deliver the reply.
type Queue struct {
	mu     sync.Mutex
	items  []*Message
	notify chan struct{}
	err    error
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends msg. Pushing to a closed queue is a no-op.
func (q *Queue) Push(msg *Message) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

// CloseWithError marks the queue closed. Messages already queued can still
// be popped; after that Pop returns err (ErrClosed when err is nil).
func (q *Queue) CloseWithError(err error) {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop removes and returns the oldest message, blocking until one is
// available, the queue is closed, or ctx ends.
func (q *Queue) Pop(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.err != nil
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return msg, nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			q.signal()
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
