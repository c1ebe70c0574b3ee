package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.Push(&Message{Header: Header{MsgID: id}})
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if msg.Header.MsgID != want {
			t.Errorf("Pop = %q, want %q", msg.Header.MsgID, want)
		}
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(&Message{Header: Header{MsgID: "late"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if msg.Header.MsgID != "late" {
		t.Errorf("Pop = %q, want late", msg.Header.MsgID)
	}
}

func TestQueuePopHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop error = %v, want DeadlineExceeded", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	q := NewQueue()
	q.Push(&Message{Header: Header{MsgID: "kept"}})
	boom := errors.New("connection reset")
	q.CloseWithError(boom)
	q.Push(&Message{Header: Header{MsgID: "dropped"}})

	msg, err := q.Pop(context.Background())
	if err != nil || msg.Header.MsgID != "kept" {
		t.Fatalf("Pop = %v, %v; want kept message", msg, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Pop after close = %v, want %v", err, boom)
	}
}

func TestQueueCloseDefaultError(t *testing.T) {
	q := NewQueue()
	q.CloseWithError(nil)
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Pop = %v, want ErrClosed", err)
	}
}

func TestSessionReplySetsParent(t *testing.T) {
	s := NewSession("")
	if s.Username != DefaultUsername {
		t.Errorf("Username = %q, want %q", s.Username, DefaultUsername)
	}
	req, err := s.NewMessage(MsgExecuteRequest, ExecuteRequest{Code: "1"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	reply, err := s.Reply(req, MsgStatus, Status{ExecutionState: StateIdle})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.ParentID() != req.Header.MsgID {
		t.Errorf("ParentID = %q, want %q", reply.ParentID(), req.Header.MsgID)
	}
	if reply.Header.MsgID == req.Header.MsgID {
		t.Error("reply reused the request message id")
	}
	if reply.Header.Version != ProtocolVersion {
		t.Errorf("Version = %q, want %q", reply.Header.Version, ProtocolVersion)
	}
}

func TestIsComm(t *testing.T) {
	for _, tt := range []struct {
		msgType string
		want    bool
	}{
		{"comm_open", true},
		{"comm_msg", true},
		{"comm_close", true},
		{"stream", false},
	} {
		m := &Message{Header: Header{MsgType: tt.msgType}}
		if got := m.IsComm(); got != tt.want {
			t.Errorf("IsComm(%q) = %v, want %v", tt.msgType, got, tt.want)
		}
	}
}
