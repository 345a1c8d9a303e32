package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/esgqa/qa-engine/internal/schema"
)

// SchemaValidateOptions defines the flags of the schema validate command.
type SchemaValidateOptions struct {
	Path       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// SchemaSummary describes the JSON response of schema validate.
type SchemaSummary struct {
	OK         bool               `json:"ok"`
	Error      string             `json:"error,omitempty"`
	Frameworks []FrameworkSummary `json:"frameworks"`
}

// FrameworkSummary lists one registered framework.
type FrameworkSummary struct {
	Name           string   `json:"name"`
	DataPointTypes []string `json:"dataPointTypes"`
}

// ValidateSchemaCommand loads the registry at opts.Path and prints what it
// declares. It returns the process exit code.
func ValidateSchemaCommand(opts SchemaValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "schema validate: --path is required")
		return 1
	}

	summary := SchemaSummary{Frameworks: []FrameworkSummary{}}
	registry, err := schema.Load(opts.Path)
	if err != nil {
		summary.Error = err.Error()
	} else {
		summary.OK = true
		for _, name := range registry.Frameworks() {
			summary.Frameworks = append(summary.Frameworks, FrameworkSummary{Name: name, DataPointTypes: registry.Types(name)})
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "schema validate: encode json: %v\n", err)
			return 1
		}
	} else if summary.OK {
		tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "FRAMEWORK\tTYPES")
		for _, fw := range summary.Frameworks {
			_, _ = fmt.Fprintf(tw, "%s\t%d\n", fw.Name, len(fw.DataPointTypes))
		}
		_ = tw.Flush()
	}
	if !summary.OK {
		_, _ = fmt.Fprintf(opts.Stderr, "schema validate: %s\n", summary.Error)
		return 10
	}
	return 0
}
