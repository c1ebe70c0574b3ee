// Package notebook reads and writes Jupyter notebooks in nbformat v4 JSON.
//
// Only the parts sosmill touches are typed: cells, their source, outputs and
// execution counts, and a few metadata keys. Everything else in a metadata
// object is kept as raw JSON and written back unchanged.
package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidFormat is returned for documents that are not nbformat v4.
var ErrInvalidFormat = errors.New("invalid notebook format")

// Cell types.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
	CellRaw      = "raw"
)

// Cell tags with meaning to the executor.
const (
	TagParameters         = "parameters"
	TagInjectedParameters = "injected-parameters"
)

// Notebook is an nbformat v4 document.
type Notebook struct {
	Cells         []*Cell  `json:"cells"`
	Metadata      Metadata `json:"metadata"`
	NBFormat      int      `json:"nbformat"`
	NBFormatMinor int      `json:"nbformat_minor"`
}

// New returns an empty v4.5 notebook.
func New() *Notebook {
	return &Notebook{Metadata: Metadata{}, NBFormat: 4, NBFormatMinor: 5}
}

// Read decodes a notebook from r.
func Read(r io.Reader) (*Notebook, error) {
	var nb Notebook
	dec := json.NewDecoder(r)
	if err := dec.Decode(&nb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := nb.Validate(); err != nil {
		return nil, err
	}
	return &nb, nil
}

// Parse decodes a notebook from data.
func Parse(data []byte) (*Notebook, error) {
	return Read(bytes.NewReader(data))
}

// Load reads the notebook at path.
func Load(path string) (*Notebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open notebook: %w", err)
	}
	defer f.Close()
	nb, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return nb, nil
}

// Write encodes nb to w with one-space indentation, as Jupyter does.
func Write(w io.Writer, nb *Notebook) error {
	data, err := nb.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Marshal returns the encoded notebook followed by a newline.
func (nb *Notebook) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("marshal notebook: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes nb to path, replacing the file atomically.
func Save(path string, nb *Notebook) error {
	data, err := nb.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sosmill-*.ipynb")
	if err != nil {
		return fmt.Errorf("save notebook: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save notebook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save notebook: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save notebook: %w", err)
	}
	return nil
}

// Validate checks the format version and cell types.
func (nb *Notebook) Validate() error {
	if nb.NBFormat != 4 {
		return fmt.Errorf("%w: nbformat %d, want 4", ErrInvalidFormat, nb.NBFormat)
	}
	for i, c := range nb.Cells {
		if c == nil {
			return fmt.Errorf("%w: cell %d is null", ErrInvalidFormat, i)
		}
		switch c.CellType {
		case CellCode, CellMarkdown, CellRaw:
		default:
			return fmt.Errorf("%w: cell %d has type %q", ErrInvalidFormat, i, c.CellType)
		}
	}
	return nil
}

// KernelName returns metadata.kernelspec.name, or "".
func (nb *Notebook) KernelName() string {
	var spec struct {
		Name string `json:"name"`
	}
	if ok, _ := nb.Metadata.Get("kernelspec", &spec); !ok {
		return ""
	}
	return spec.Name
}

// Clone returns a deep copy of nb.
func (nb *Notebook) Clone() (*Notebook, error) {
	data, err := json.Marshal(nb)
	if err != nil {
		return nil, fmt.Errorf("clone notebook: %w", err)
	}
	var out Notebook
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone notebook: %w", err)
	}
	return &out, nil
}

// Cell is one notebook cell. Outputs and ExecutionCount are only encoded for
// code cells.
type Cell struct {
	ID             string          `json:"id,omitempty"`
	CellType       string          `json:"cell_type"`
	Source         MultilineString `json:"source"`
	Metadata       Metadata        `json:"metadata"`
	Outputs        []Output        `json:"outputs"`
	ExecutionCount *int            `json:"execution_count"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
}

// NewCodeCell returns a code cell with the given source.
func NewCodeCell(source string) *Cell {
	return &Cell{CellType: CellCode, Source: MultilineString(source), Metadata: Metadata{}, Outputs: []Output{}}
}

// NewMarkdownCell returns a markdown cell with the given source.
func NewMarkdownCell(source string) *Cell {
	return &Cell{CellType: CellMarkdown, Source: MultilineString(source), Metadata: Metadata{}}
}

func (c *Cell) MarshalJSON() ([]byte, error) {
	type codeCell Cell
	if c.CellType == CellCode {
		cc := codeCell(*c)
		if cc.Outputs == nil {
			cc.Outputs = []Output{}
		}
		return json.Marshal(cc)
	}
	return json.Marshal(struct {
		ID          string          `json:"id,omitempty"`
		CellType    string          `json:"cell_type"`
		Source      MultilineString `json:"source"`
		Metadata    Metadata        `json:"metadata"`
		Attachments json.RawMessage `json:"attachments,omitempty"`
	}{c.ID, c.CellType, c.Source, c.Metadata, c.Attachments})
}

// IsCode reports whether the cell is a code cell.
func (c *Cell) IsCode() bool { return c.CellType == CellCode }

// IsBlank reports whether the source is empty or only whitespace.
func (c *Cell) IsBlank() bool { return strings.TrimSpace(string(c.Source)) == "" }

// Kernel returns the SoS routing tag in metadata.kernel, or "".
func (c *Cell) Kernel() string {
	var k string
	if ok, err := c.Metadata.Get("kernel", &k); !ok || err != nil {
		return ""
	}
	return k
}

// Tags returns metadata.tags.
func (c *Cell) Tags() []string {
	var tags []string
	c.Metadata.Get("tags", &tags)
	return tags
}

// HasTag reports whether the cell carries tag.
func (c *Cell) HasTag(tag string) bool {
	for _, t := range c.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// MultilineString is nbformat's string-or-list-of-lines text. It decodes from
// either form and encodes as a list of lines that keep their newlines.
type MultilineString string

func (s *MultilineString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var lines []string
		if err := json.Unmarshal(data, &lines); err != nil {
			return err
		}
		*s = MultilineString(strings.Join(lines, ""))
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = MultilineString(str)
	return nil
}

func (s MultilineString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Lines())
}

// Lines splits the text after each newline.
func (s MultilineString) Lines() []string {
	lines := strings.SplitAfter(string(s), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (s MultilineString) String() string { return string(s) }
