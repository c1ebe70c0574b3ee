package executor

import (
	"fmt"

	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/notebook"
)

// outputFromMessage converts an iopub message into a notebook output and
// returns the transient display id it carries, if any. update_display_data
// becomes display_data.
func outputFromMessage(msg *kernel.Message) (notebook.Output, string, error) {
	switch msg.Type() {
	case kernel.MsgStream:
		var s kernel.Stream
		if err := msg.DecodeContent(&s); err != nil {
			return notebook.Output{}, "", fmt.Errorf("%w: %v", ErrUnrecognizedMessage, err)
		}
		return notebook.StreamOutput(s.Name, s.Text), "", nil

	case kernel.MsgExecuteResult, kernel.MsgDisplayData, kernel.MsgUpdateDisplayData:
		var d kernel.DisplayData
		if err := msg.DecodeContent(&d); err != nil {
			return notebook.Output{}, "", fmt.Errorf("%w: %v", ErrUnrecognizedMessage, err)
		}
		out := notebook.Output{
			OutputType: notebook.OutputDisplayData,
			Data:       notebook.MIMEBundle(d.Data),
			Metadata:   d.Metadata,
		}
		if msg.Type() == kernel.MsgExecuteResult {
			out.OutputType = notebook.OutputExecuteResult
			out.ExecutionCount = d.ExecutionCount
		}
		return out, d.DisplayID(), nil

	case kernel.MsgError:
		var e kernel.Error
		if err := msg.DecodeContent(&e); err != nil {
			return notebook.Output{}, "", fmt.Errorf("%w: %v", ErrUnrecognizedMessage, err)
		}
		return notebook.ErrorOutput(e.Ename, e.Evalue, e.Traceback), "", nil
	}
	return notebook.Output{}, "", fmt.Errorf("%w: %s", ErrUnrecognizedMessage, msg.Type())
}
