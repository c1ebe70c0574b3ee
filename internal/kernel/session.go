package kernel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultUsername is the username stamped on headers when none is configured.
const DefaultUsername = "sosmill"

// Session builds outgoing messages. Every message gets a fresh UUID so the
// replies and iopub traffic it causes can be correlated by parent id.
type Session struct {
	ID       string
	Username string
}

// NewSession creates a session with a random id.
func NewSession(username string) *Session {
	if username == "" {
		username = DefaultUsername
	}
	return &Session{
		ID:       uuid.NewString(),
		Username: username,
	}
}

// NewMessage builds a message of the given type with content marshalled to
// JSON. The parent header is empty.
func (s *Session) NewMessage(msgType string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  s.ID,
			Username: s.Username,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// Reply builds a message answering parent. Fakes and bridges use it to
// produce correctly parented iopub and shell traffic.
func (s *Session) Reply(parent *Message, msgType string, content any) (*Message, error) {
	msg, err := s.NewMessage(msgType, content)
	if err != nil {
		return nil, err
	}
	msg.ParentHeader = parent.Header
	return msg, nil
}
