package executor

import (
	"strings"

	"github.com/seantiz/sosmill/internal/notebook"
	"github.com/seantiz/sosmill/internal/workflow"
)

// PrimaryKernel is the SoS kernel itself. Cells without a kernel tag run there.
const PrimaryKernel = "SoS"

// IsPrimaryKernel reports whether name refers to the SoS kernel.
func IsPrimaryKernel(name string) bool {
	return name == "" || strings.EqualFold(name, PrimaryKernel)
}

// RunState is the per-run context shared by every cell of one execution.
type RunState struct {
	// Parameters are the declared parameter names in declaration order.
	Parameters []string
	// ParamsKernel is the kernel of the most recent "parameters" cell.
	ParamsKernel string
	// Workflow is the extracted workflow text, "" when there is none.
	Workflow string
	// Path is the originating notebook path.
	Path string
}

// NewRunState extracts the workflow and parameter names of nb.
func NewRunState(nb *notebook.Notebook, path string) (*RunState, error) {
	res, err := workflow.Extract(nb)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = nb.InputPath()
	}
	return &RunState{
		Parameters:   res.Parameters,
		ParamsKernel: PrimaryKernel,
		Workflow:     res.Workflow,
		Path:         path,
	}, nil
}
