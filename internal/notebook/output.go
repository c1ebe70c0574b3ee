package notebook

import (
	"encoding/json"
	"fmt"
)

// Output types.
const (
	OutputStream        = "stream"
	OutputExecuteResult = "execute_result"
	OutputDisplayData   = "display_data"
	OutputError         = "error"
)

// MIMEBundle maps a MIME type to its representation.
type MIMEBundle map[string]any

// Output is one entry of a code cell's outputs. Which fields are meaningful
// depends on OutputType; MarshalJSON writes only those.
type Output struct {
	OutputType string `json:"output_type"`

	// stream
	Name string          `json:"name,omitempty"`
	Text MultilineString `json:"text,omitempty"`

	// execute_result, display_data
	Data           MIMEBundle     `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`

	// error
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// StreamOutput builds a stream output.
func StreamOutput(name, text string) Output {
	return Output{OutputType: OutputStream, Name: name, Text: MultilineString(text)}
}

// ErrorOutput builds an error output.
func ErrorOutput(ename, evalue string, traceback []string) Output {
	return Output{OutputType: OutputError, Ename: ename, Evalue: evalue, Traceback: traceback}
}

func (o Output) MarshalJSON() ([]byte, error) {
	meta := o.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data := o.Data
	if data == nil {
		data = MIMEBundle{}
	}
	switch o.OutputType {
	case OutputStream:
		return json.Marshal(struct {
			OutputType string          `json:"output_type"`
			Name       string          `json:"name"`
			Text       MultilineString `json:"text"`
		}{o.OutputType, o.Name, o.Text})
	case OutputExecuteResult:
		return json.Marshal(struct {
			OutputType     string         `json:"output_type"`
			Data           MIMEBundle     `json:"data"`
			Metadata       map[string]any `json:"metadata"`
			ExecutionCount *int           `json:"execution_count"`
		}{o.OutputType, data, meta, o.ExecutionCount})
	case OutputDisplayData:
		return json.Marshal(struct {
			OutputType string         `json:"output_type"`
			Data       MIMEBundle     `json:"data"`
			Metadata   map[string]any `json:"metadata"`
		}{o.OutputType, data, meta})
	case OutputError:
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		return json.Marshal(struct {
			OutputType string   `json:"output_type"`
			Ename      string   `json:"ename"`
			Evalue     string   `json:"evalue"`
			Traceback  []string `json:"traceback"`
		}{o.OutputType, o.Ename, o.Evalue, tb})
	default:
		return nil, fmt.Errorf("%w: unknown output type %q", ErrInvalidFormat, o.OutputType)
	}
}
