package report

import (
	"encoding/json"
	"io"

	"github.com/quorumhq/quorum/internal/synthesis"
)

// JSONExporter renders results as pretty-printed JSON
type JSONExporter struct{}

// Export writes the result as indented JSON. Map keys serialize in sorted
// order, so repeated renders are byte-identical.
func (e *JSONExporter) Export(result synthesis.Result, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(result)
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}
