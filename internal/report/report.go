// Package report renders a synthesis result into user-facing documents.
// Exporters are pure functions of their input: rendering the same result
// twice produces byte-identical output.
package report

import (
	"fmt"
	"io"

	"github.com/quorumhq/quorum/internal/synthesis"
)

// Exporter defines the interface for all report formats
type Exporter interface {
	Export(result synthesis.Result, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: md, json)", format)
	}
}
