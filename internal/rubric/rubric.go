// Package rubric validates raw service responses against a structured
// checklist. Validation is purely structural and textual; it makes no
// semantic correctness claims.
package rubric

import (
	"encoding/json"
	"fmt"
	"os"
)

// Pattern is one required content marker. Match is a substring unless Regex
// is set, in which case it is compiled as a regular expression. Name is the
// identifier that appears in MissingElements and clarification prompts.
type Pattern struct {
	Name  string `json:"name"`
	Match string `json:"match"`
	Regex bool   `json:"regex,omitempty"`
}

// Rubric is an ordered checklist of required markers. Order matters: missing
// elements are reported in rubric order so clarification prompts are stable.
type Rubric struct {
	MinCitations     int       `json:"min_citations,omitempty"`
	RequiredSections []string  `json:"required_sections,omitempty"`
	RequiredPatterns []Pattern `json:"required_patterns,omitempty"`
}

// IsZero reports whether the rubric requires nothing.
func (r Rubric) IsZero() bool {
	return r.MinCitations == 0 && len(r.RequiredSections) == 0 && len(r.RequiredPatterns) == 0
}

// ValidationResult is the outcome of checking one response against a rubric.
type ValidationResult struct {
	Passed          bool     `json:"passed"`
	MissingElements []string `json:"missing_elements,omitempty"`
	Score           float64  `json:"score"`
}

// LoadFile reads a rubric from a JSON file.
func LoadFile(path string) (Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("reading rubric: %w", err)
	}
	var r Rubric
	if err := json.Unmarshal(data, &r); err != nil {
		return Rubric{}, fmt.Errorf("parsing rubric: %w", err)
	}
	return r, nil
}
