package retry

import (
	"fmt"
	"strings"

	"github.com/quorumhq/quorum/internal/rubric"
)

// ClarifierFunc turns a validation failure into a short follow-up instruction
// naming exactly the missing rubric elements. Pluggable so richer prompt
// generation can be swapped in without touching the controller.
type ClarifierFunc func(missing []string) string

// wellKnownPhrases covers marker names with a natural instruction form.
var wellKnownPhrases = map[string]string{
	"example":     "add a worked example",
	"examples":    "add worked examples",
	"summary":     "add a brief summary",
	"code":        "include a code sample",
	"comparison":  "include a direct comparison",
	"definition":  "define the key terms",
	"limitations": "note the limitations",
}

// NewTemplateClarifier builds the default clarifier for a rubric: template
// substitution of the missing elements into one instruction sentence.
func NewTemplateClarifier(r rubric.Rubric) ClarifierFunc {
	return func(missing []string) string {
		if len(missing) == 0 {
			return ""
		}
		clauses := make([]string, 0, len(missing))
		for _, el := range missing {
			clauses = append(clauses, phraseFor(el, r))
		}
		sentence := joinClauses(clauses)
		return strings.ToUpper(sentence[:1]) + sentence[1:] + "."
	}
}

func phraseFor(element string, r rubric.Rubric) string {
	if p, ok := wellKnownPhrases[element]; ok {
		return p
	}
	if element == "citations" {
		n := r.MinCitations
		if n <= 1 {
			return "cite at least one source"
		}
		return fmt.Sprintf("cite at least %d sources", n)
	}
	if sec, ok := strings.CutPrefix(element, "section:"); ok {
		return fmt.Sprintf("add a %q section", sec)
	}
	return fmt.Sprintf("include %s", element)
}

func joinClauses(clauses []string) string {
	switch len(clauses) {
	case 1:
		return clauses[0]
	case 2:
		return clauses[0] + " and " + clauses[1]
	default:
		return strings.Join(clauses[:len(clauses)-1], ", ") + ", and " + clauses[len(clauses)-1]
	}
}
