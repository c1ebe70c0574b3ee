package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/seantiz/sosmill/internal/backend"
)

func listEngines(w io.Writer, reg *backend.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKERNELS\tTRANSPORTS\tDESCRIPTION")
	for _, info := range reg.List() {
		c := info.Capabilities
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			info.Name,
			strings.Join(c.Kernels, ","),
			strings.Join(c.Transports, ","),
			c.Description,
		)
	}
	return tw.Flush()
}
