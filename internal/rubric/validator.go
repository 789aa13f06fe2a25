package rubric

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Validator checks responses against rubrics. It is stateless apart from a
// regex cache, so identical (response, rubric) inputs always produce
// identical results.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// NewValidator creates a validator with an empty pattern cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*regexp.Regexp)}
}

// Validate runs the rubric's markers in order against the response text and
// citation count. Score is the fraction of markers satisfied.
func (v *Validator) Validate(text string, citationCount int, r Rubric) ValidationResult {
	if r.IsZero() {
		return ValidationResult{Passed: true, Score: 1.0}
	}

	total := 0
	passed := 0
	var missing []string

	if r.MinCitations > 0 {
		total++
		if citationCount >= r.MinCitations {
			passed++
		} else {
			missing = append(missing, "citations")
		}
	}

	lowered := strings.ToLower(text)
	for _, sec := range r.RequiredSections {
		total++
		if containsSection(text, sec) {
			passed++
		} else {
			missing = append(missing, "section:"+sec)
		}
	}

	for _, p := range r.RequiredPatterns {
		total++
		if v.matches(lowered, text, p) {
			passed++
		} else {
			missing = append(missing, p.Name)
		}
	}

	score := 0.0
	if total > 0 {
		score = float64(passed) / float64(total)
	}
	return ValidationResult{
		Passed:          len(missing) == 0,
		MissingElements: missing,
		Score:           score,
	}
}

func (v *Validator) matches(lowered, original string, p Pattern) bool {
	if p.Match == "" {
		return true
	}
	if !p.Regex {
		return strings.Contains(lowered, strings.ToLower(p.Match))
	}
	re, err := v.compiled(p.Match)
	if err != nil {
		// An invalid regex can never be satisfied; surfacing it through
		// MissingElements keeps validation total rather than erroring.
		return false
	}
	return re.MatchString(original)
}

func (v *Validator) compiled(pattern string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling rubric pattern %q: %w", pattern, err)
	}
	v.cache[pattern] = re
	return re, nil
}

// containsSection looks for the heading text on its own line, tolerating
// markdown heading prefixes and trailing colons.
func containsSection(text, section string) bool {
	want := strings.ToLower(strings.TrimSpace(section))
	for _, line := range strings.Split(text, "\n") {
		got := strings.ToLower(strings.TrimSpace(line))
		got = strings.TrimLeft(got, "#*- \t")
		got = strings.TrimSuffix(strings.TrimSpace(got), ":")
		if got == want {
			return true
		}
	}
	return false
}
