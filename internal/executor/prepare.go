package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/notebook"
)

// workflowDirective matches the magics that act on the notebook's workflow.
var workflowDirective = regexp.MustCompile(`(?m)^%sosrun($|\s)|^%sossave($|\s)|^%preview\s.*(-w|--workflow)`)

// NeedsWorkflow reports whether source uses a workflow directive.
func NeedsWorkflow(source string) bool {
	return workflowDirective.MatchString(source)
}

// Prepare builds the SoS metadata for cell and applies the parameter rules:
// an injected-parameters cell gets a %put line when the parameters live in a
// subkernel, and a parameters cell makes its kernel the parameter owner.
// It may rewrite cell.Source and st.ParamsKernel.
func Prepare(cell *notebook.Cell, st *RunState, cellID string) kernel.CellMeta {
	cellKernel := cell.Kernel()
	if cellKernel == "" {
		cellKernel = PrimaryKernel
	}

	injected := cell.HasTag(notebook.TagInjectedParameters)
	if injected && !IsPrimaryKernel(st.ParamsKernel) && len(st.Parameters) > 0 {
		put := fmt.Sprintf("%%put %s --to %s\n", strings.Join(st.Parameters, " "), st.ParamsKernel)
		cell.Source = notebook.MultilineString(put) + cell.Source
	}
	if cell.HasTag(notebook.TagParameters) {
		st.ParamsKernel = cellKernel
	}

	target := cellKernel
	if injected {
		target = PrimaryKernel
	}

	meta := kernel.CellMeta{
		Kernel:     target,
		CellID:     cellID,
		Path:       st.Path,
		BatchMode:  true,
		CellKernel: cellKernel,
	}
	if NeedsWorkflow(string(cell.Source)) {
		wf := st.Workflow
		meta.Workflow = &wf
	}
	return meta
}
