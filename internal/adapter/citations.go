package adapter

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)

// CitationsFromText pulls URLs out of a response body. Best effort: trailing
// punctuation is stripped, duplicates collapsed, order preserved.
func CitationsFromText(text string) []Citation {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []Citation
	for _, m := range matches {
		u := strings.TrimRight(m, ".,;:!?)")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, Citation{URL: u})
	}
	return out
}
