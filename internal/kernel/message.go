package kernel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the Jupyter messaging protocol version stamped on
// outgoing headers.
const ProtocolVersion = "5.3"

// Message types used by the executor.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgStatus            = "status"
	MsgExecuteInput      = "execute_input"
	MsgStream            = "stream"
	MsgExecuteResult     = "execute_result"
	MsgDisplayData       = "display_data"
	MsgUpdateDisplayData = "update_display_data"
	MsgError             = "error"
	MsgClearOutput       = "clear_output"
)

// Kernel execution states reported by status messages.
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateStarting = "starting"
)

// Reply statuses.
const (
	ReplyOK      = "ok"
	ReplyError   = "error"
	ReplyAborted = "aborted"
)

// Header is a Jupyter message header.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is one Jupyter message as received from or sent to a channel.
// Content stays raw until a consumer decodes it for the message type it
// expects.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      [][]byte        `json:"buffers,omitempty"`
}

// Type returns the message type from the header.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// ParentID returns the id of the request this message answers, or "" when
// the message has no parent.
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// IsComm reports whether the message belongs to the comm sub-protocol
// (comm_open, comm_msg, comm_close, comm_info_*).
func (m *Message) IsComm() bool {
	return strings.HasPrefix(m.Header.MsgType, "comm")
}

// DecodeContent unmarshals the message content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("decode %s content: empty content", m.Header.MsgType)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// CellMeta is the SoS side-channel payload attached to every execute request
// under the "sos" key. It tells the SoS kernel which sub-kernel should run the
// cell and carries the run-scoped workflow when the cell needs it.
type CellMeta struct {
	Kernel     string  `json:"kernel"`
	CellID     string  `json:"cell_id"`
	Path       string  `json:"path"`
	BatchMode  bool    `json:"batch_mode"`
	CellKernel string  `json:"cell_kernel"`
	UsePanel   bool    `json:"use_panel"`
	Rerun      bool    `json:"rerun"`
	Workflow   *string `json:"workflow,omitempty"`
}

// ExecuteRequest is the content of an execute_request message.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
	SoS             *CellMeta      `json:"sos,omitempty"`
}

// ExecuteReply is the content of an execute_reply message.
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	Ename          string   `json:"ename,omitempty"`
	Evalue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// KernelInfoReply is the subset of kernel_info_reply the executor reads.
type KernelInfoReply struct {
	Status                string `json:"status"`
	ProtocolVersion       string `json:"protocol_version"`
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
	LanguageInfo          struct {
		Name string `json:"name"`
	} `json:"language_info"`
}

// Status is the content of a status message.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// Stream is the content of a stream message.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Transient carries the transient fields of display messages.
type Transient struct {
	DisplayID string `json:"display_id,omitempty"`
}

// DisplayData is the content of display_data, update_display_data and
// execute_result messages. ExecutionCount is only set on execute_result.
type DisplayData struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	Transient      *Transient     `json:"transient,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
}

// DisplayID returns the transient display id, or "".
func (d *DisplayData) DisplayID() string {
	if d.Transient == nil {
		return ""
	}
	return d.Transient.DisplayID
}

// Error is the content of an error message.
type Error struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ClearOutput is the content of a clear_output message.
type ClearOutput struct {
	Wait bool `json:"wait"`
}
