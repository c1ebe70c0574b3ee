// Package workflow recovers the SoS workflow and the declared parameter
// names from a notebook. It runs once per execution, before the first cell.
package workflow

import (
	"regexp"
	"strings"

	"github.com/seantiz/sosmill/internal/notebook"
)

// Header starts every extracted workflow.
const Header = "#!/usr/bin/env sos-runner\n#fileformat=SOS1.0\n\n"

var (
	sectionHeader = regexp.MustCompile(`^\s*\[\s*[\w*][\w*,\s]*(?::.*)?\]\s*$`)
	assignment    = regexp.MustCompile(`^(?:parameter:\s*)?([A-Za-z_]\w*)\s*=(?:[^=]|$)`)
)

// Result is what Extract recovers from a notebook.
type Result struct {
	// Workflow is the SoS script assembled from the notebook's SoS cells,
	// or "" when no cell declares a section.
	Workflow string
	// Parameters are the declared parameter names in declaration order.
	Parameters []string
}

// Extract returns the workflow and parameter names of nb.
func Extract(nb *notebook.Notebook) (Result, error) {
	params, err := ParameterNames(nb)
	if err != nil {
		return Result{}, err
	}
	return Result{Workflow: ExtractWorkflow(nb), Parameters: params}, nil
}

// IsSoSCell reports whether c is a code cell run by the SoS kernel itself.
func IsSoSCell(c *notebook.Cell) bool {
	if !c.IsCode() {
		return false
	}
	switch c.Kernel() {
	case "", "sos", "SoS":
		return true
	}
	return false
}

// IsSectionHeader reports whether line is a SoS section header such as
// [default], [step_10: shared='x'] or [a, b_1].
func IsSectionHeader(line string) bool {
	return sectionHeader.MatchString(line)
}

// ExtractWorkflow concatenates the SoS cells of nb into one script. Within a
// cell, lines before its first section header are dropped, except %include
// and %from lines and the comment block directly above the header. Cells
// without a header contribute only their %include and %from lines.
func ExtractWorkflow(nb *notebook.Notebook) string {
	var (
		b         strings.Builder
		hasHeader bool
	)
	b.WriteString(Header)

	for _, c := range nb.Cells {
		if !IsSoSCell(c) {
			continue
		}
		lines := strings.Split(strings.TrimRight(string(c.Source), "\n"), "\n")
		inSection := false
		for i, line := range lines {
			switch {
			case inSection, strings.HasPrefix(line, "%include"), strings.HasPrefix(line, "%from"):
				b.WriteString(line)
				b.WriteByte('\n')
			case IsSectionHeader(line):
				inSection = true
				hasHeader = true
				start := i
				for start > 0 && strings.HasPrefix(lines[start-1], "#") {
					start--
				}
				for _, l := range lines[start : i+1] {
					b.WriteString(l)
					b.WriteByte('\n')
				}
			}
		}
		if inSection {
			b.WriteByte('\n')
		}
	}

	if !hasHeader {
		return ""
	}
	return b.String()
}

// ParameterNames returns the declared parameters: the keys of
// metadata.papermill.parameters in order, or when that is absent, the names
// assigned in the cell tagged "parameters".
func ParameterNames(nb *notebook.Notebook) ([]string, error) {
	names, err := nb.ParameterNames()
	if err != nil || names != nil {
		return names, err
	}
	for _, c := range nb.Cells {
		if c.IsCode() && c.HasTag(notebook.TagParameters) {
			return assignedNames(string(c.Source)), nil
		}
	}
	return nil, nil
}

func assignedNames(src string) []string {
	var names []string
	seen := map[string]bool{}
	for _, line := range strings.Split(src, "\n") {
		m := assignment.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}
