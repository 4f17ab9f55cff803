package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by Render.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Render writes the snapshot in the requested format.
func Render(w io.Writer, s Snapshot, format string) error {
	switch format {
	case "", FormatTable:
		return renderTable(w, s)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s.Packages)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s.Packages); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (use table, json or yaml)", format)
	}
}

func renderTable(w io.Writer, s Snapshot) error {
	if len(s.Packages) == 0 {
		_, err := fmt.Fprintln(w, "catalog is empty")
		return err
	}

	header := color.New(color.Bold).SprintFunc()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\n", header("NAME"), header("VERSION"), header("OBJECT"))
	for _, p := range s.Packages {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Version, p.ObjectName)
	}
	return tw.Flush()
}
