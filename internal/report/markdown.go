package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/quorumhq/quorum/internal/orchestrate"
	"github.com/quorumhq/quorum/internal/synthesis"
)

// MarkdownExporter renders results in Markdown format
type MarkdownExporter struct{}

// Export writes the result as a Markdown report. Map-backed sections are
// emitted in sorted service order so output is stable across renders.
func (e *MarkdownExporter) Export(result synthesis.Result, w io.Writer) error {
	_, _ = fmt.Fprintf(w, "# Query %s\n\n", result.QueryID)
	_, _ = fmt.Fprintf(w, "**Prompt:** %s  \n", result.Prompt)
	_, _ = fmt.Fprintf(w, "**Created:** %s  \n", result.CreatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "**Services:** %d\n\n", len(result.PerService))

	_, _ = fmt.Fprintf(w, "## Summary\n\n%s\n\n", result.MergedSummary)

	if len(result.CommonInsights) > 0 {
		_, _ = fmt.Fprintf(w, "## Common Insights\n\n")
		for _, in := range result.CommonInsights {
			_, _ = fmt.Fprintf(w, "- %s *(%s)*\n", in.Text, strings.Join(in.Services, ", "))
		}
		_, _ = fmt.Fprintf(w, "\n")
	}

	services := make([]string, 0, len(result.PerService))
	for svc := range result.PerService {
		services = append(services, svc)
	}
	sort.Strings(services)

	_, _ = fmt.Fprintf(w, "## Per-Service Results\n\n")
	for _, svc := range services {
		att := result.PerService[svc]
		_, _ = fmt.Fprintf(w, "### %s\n\n", svc)
		if att.Status == orchestrate.StatusSucceeded {
			_, _ = fmt.Fprintf(w, "%s\n\n", strings.TrimSpace(att.Response.Text))
			if len(att.Citations) > 0 {
				_, _ = fmt.Fprintf(w, "**Citations:**\n\n")
				for _, c := range att.Citations {
					if c.Title != "" {
						_, _ = fmt.Fprintf(w, "- [%s](%s)\n", c.Title, c.URL)
					} else {
						_, _ = fmt.Fprintf(w, "- %s\n", c.URL)
					}
				}
				_, _ = fmt.Fprintf(w, "\n")
			}
		} else {
			_, _ = fmt.Fprintf(w, "_Failed: %s_", att.FailureReason)
			if att.Detail != "" {
				_, _ = fmt.Fprintf(w, " (%s)", att.Detail)
			}
			_, _ = fmt.Fprintf(w, "\n\n")
		}
	}

	if len(result.DivergenceNotes) > 0 {
		_, _ = fmt.Fprintf(w, "## Divergence\n\n")
		for _, note := range result.DivergenceNotes {
			_, _ = fmt.Fprintf(w, "- %s\n", note)
		}
		_, _ = fmt.Fprintf(w, "\n")
	}

	_, _ = fmt.Fprintf(w, "## Audit Trail\n\n")
	if len(result.AuditTrail) == 0 {
		_, _ = fmt.Fprintf(w, "_No attempts recorded._\n")
		return nil
	}
	_, _ = fmt.Fprintf(w, "| # | Service | Attempt | Status | Reason | Detail |\n")
	_, _ = fmt.Fprintf(w, "|---|---------|---------|--------|--------|--------|\n")
	for i, att := range result.AuditTrail {
		_, _ = fmt.Fprintf(w, "| %d | %s | %d | %s | %s | %s |\n",
			i+1, att.ServiceID, att.AttemptNumber, att.Status, att.FailureReason, tableCell(att.Detail))
	}
	return nil
}

// tableCell keeps free-form detail text from breaking the table layout.
func tableCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

// Extension returns the file extension for this format
func (e *MarkdownExporter) Extension() string {
	return "md"
}
