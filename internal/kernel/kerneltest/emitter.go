// Package kerneltest provides a scripted in-memory kernel for exercising the
// executor and the transports without a Jupyter installation.
package kerneltest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/seantiz/sosmill/internal/kernel"
)

// Frame is one message tagged with its channel.
type Frame struct {
	Channel string
	Message *kernel.Message
}

// Emitter records the traffic a kernel produces for one request. Messages
// are parented on the request unless stated otherwise.
type Emitter struct {
	session *kernel.Session
	parent  *kernel.Message
	count   int
	frames  []Frame
	err     error
}

// Responder scripts the kernel's reaction to an execute request.
type Responder func(req kernel.ExecuteRequest, e *Emitter)

// Frames returns the recorded traffic in emission order.
func (e *Emitter) Frames() []Frame { return e.frames }

// Err returns the first error building a message.
func (e *Emitter) Err() error { return e.err }

// ExecutionCount is the count the kernel assigns to this request.
func (e *Emitter) ExecutionCount() int { return e.count }

func (e *Emitter) emit(channel, msgType string, parent *kernel.Message, content any) {
	if e.err != nil {
		return
	}
	var (
		msg *kernel.Message
		err error
	)
	if parent == nil {
		msg, err = e.session.NewMessage(msgType, content)
	} else {
		msg, err = e.session.Reply(parent, msgType, content)
	}
	if err != nil {
		e.err = fmt.Errorf("emit %s: %w", msgType, err)
		return
	}
	e.frames = append(e.frames, Frame{Channel: channel, Message: msg})
}

// Publish emits an iopub message answering the request.
func (e *Emitter) Publish(msgType string, content any) {
	e.emit(kernel.ChannelIOPub, msgType, e.parent, content)
}

// PublishUnrelated emits an iopub message with no parent, as another client's
// traffic would appear.
func (e *Emitter) PublishUnrelated(msgType string, content any) {
	e.emit(kernel.ChannelIOPub, msgType, nil, content)
}

func (e *Emitter) Busy() { e.Publish(kernel.MsgStatus, kernel.Status{ExecutionState: kernel.StateBusy}) }
func (e *Emitter) Idle() { e.Publish(kernel.MsgStatus, kernel.Status{ExecutionState: kernel.StateIdle}) }

// Input echoes the code being executed.
func (e *Emitter) Input(code string) {
	e.Publish(kernel.MsgExecuteInput, map[string]any{"code": code, "execution_count": e.count})
}

func (e *Emitter) Stream(name, text string) {
	e.Publish(kernel.MsgStream, kernel.Stream{Name: name, Text: text})
}

// Display emits display_data, with a transient display id when id is set.
func (e *Emitter) Display(data map[string]any, id string) {
	e.Publish(kernel.MsgDisplayData, displayContent(data, id, nil))
}

// UpdateDisplay emits update_display_data for id.
func (e *Emitter) UpdateDisplay(data map[string]any, id string) {
	e.Publish(kernel.MsgUpdateDisplayData, displayContent(data, id, nil))
}

// Result emits execute_result carrying the request's execution count.
func (e *Emitter) Result(data map[string]any) {
	count := e.count
	e.Publish(kernel.MsgExecuteResult, displayContent(data, "", &count))
}

func (e *Emitter) Error(ename, evalue string) {
	e.Publish(kernel.MsgError, kernel.Error{Ename: ename, Evalue: evalue, Traceback: []string{ename + ": " + evalue}})
}

func (e *Emitter) Clear(wait bool) {
	e.Publish(kernel.MsgClearOutput, kernel.ClearOutput{Wait: wait})
}

// ReplyOK sends a successful execute_reply on the shell channel.
func (e *Emitter) ReplyOK() {
	e.emit(kernel.ChannelShell, kernel.MsgExecuteReply, e.parent,
		kernel.ExecuteReply{Status: kernel.ReplyOK, ExecutionCount: e.count})
}

// ReplyError sends an error execute_reply on the shell channel.
func (e *Emitter) ReplyError(ename, evalue string) {
	e.emit(kernel.ChannelShell, kernel.MsgExecuteReply, e.parent, kernel.ExecuteReply{
		Status:         kernel.ReplyError,
		ExecutionCount: e.count,
		Ename:          ename,
		Evalue:         evalue,
	})
}

// ReplyUnrelated sends a shell reply parented on some other request.
func (e *Emitter) ReplyUnrelated() {
	e.emit(kernel.ChannelShell, kernel.MsgExecuteReply, nil,
		kernel.ExecuteReply{Status: kernel.ReplyOK})
}

func displayContent(data map[string]any, id string, count *int) kernel.DisplayData {
	d := kernel.DisplayData{Data: data, Metadata: map[string]any{}, ExecutionCount: count}
	if id != "" {
		d.Transient = &kernel.Transient{DisplayID: id}
	}
	return d
}

var (
	printCall  = regexp.MustCompile(`^\s*print\((.*)\)\s*$`)
	raiseCall  = regexp.MustCompile(`^\s*raise\s+(\w+)(?:\((.*)\))?`)
	exprResult = regexp.MustCompile(`^\s*(\d+)\s*$`)
)

// Echo is a small interpreter good enough for smoke tests. Each line of the
// request is handled on its own:
//
//	print(x)         streams x to stdout
//	raise Name(msg)  reports an error and stops
//	42               produces an execute_result
//
// Everything else runs silently.
func Echo(req kernel.ExecuteRequest, e *Emitter) {
	e.Busy()
	e.Input(req.Code)
	for _, line := range strings.Split(req.Code, "\n") {
		if m := printCall.FindStringSubmatch(line); m != nil {
			e.Stream("stdout", strings.Trim(m[1], `"'`)+"\n")
			continue
		}
		if m := raiseCall.FindStringSubmatch(line); m != nil {
			evalue := strings.Trim(m[2], `"'`)
			e.Error(m[1], evalue)
			e.ReplyError(m[1], evalue)
			e.Idle()
			return
		}
		if m := exprResult.FindStringSubmatch(line); m != nil {
			e.Result(map[string]any{"text/plain": m[1]})
		}
	}
	e.ReplyOK()
	e.Idle()
}
