// Package synthesis merges the final per-service attempts of one query into
// a single structured result. No service is ever silently dropped: every
// target appears exactly once, with content or a failure reason.
package synthesis

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/quorumhq/quorum/internal/orchestrate"
)

// Insight is one claim attested by at least two services.
type Insight struct {
	Text     string   `json:"text"`
	Services []string `json:"services"`
}

// Result is the merged output for one query.
type Result struct {
	QueryID         string                                  `json:"query_id"`
	Prompt          string                                  `json:"prompt"`
	PerService      map[string]orchestrate.ServiceAttempt   `json:"per_service"`
	CommonInsights  []Insight                               `json:"common_insights,omitempty"`
	MergedSummary   string                                  `json:"merged_summary"`
	DivergenceNotes []string                                `json:"divergence_notes,omitempty"`
	AuditTrail      []orchestrate.ServiceAttempt            `json:"audit_trail"`
	CreatedAt       time.Time                               `json:"created_at"`
}

// Synthesizer merges attempts. The zero value is not usable; call New.
type Synthesizer struct {
	logger *log.Logger
	// minSentenceWords filters noise out of overlap matching.
	minSentenceWords int
}

// New creates a synthesizer.
func New(logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SYNTH] ", log.LstdFlags)
	}
	return &Synthesizer{logger: logger, minSentenceWords: 5}
}

// Collect drains a dispatch stream into final attempts and an ordered audit
// trail of every settled attempt. It returns when the stream closes.
func Collect(updates <-chan orchestrate.AttemptUpdate) (map[string]orchestrate.ServiceAttempt, []orchestrate.ServiceAttempt) {
	finals := make(map[string]orchestrate.ServiceAttempt)
	var audit []orchestrate.ServiceAttempt
	for u := range updates {
		if u.Attempt.Status != orchestrate.StatusDispatched {
			audit = append(audit, u.Attempt)
		}
		if u.Final {
			finals[u.Attempt.ServiceID] = u.Attempt
		}
	}
	return finals, audit
}

// Synthesize merges the final attempts for req. Services missing from finals
// (stream cut short by cancellation) are reported as cancelled.
func (s *Synthesizer) Synthesize(req orchestrate.QueryRequest, finals map[string]orchestrate.ServiceAttempt, audit []orchestrate.ServiceAttempt) Result {
	perService := make(map[string]orchestrate.ServiceAttempt, len(req.TargetServices))
	answers := make(map[string]string)
	var failed []string

	for _, serviceID := range req.TargetServices {
		att, ok := finals[serviceID]
		if !ok {
			att = orchestrate.ServiceAttempt{
				QueryID:       req.ID,
				ServiceID:     serviceID,
				Status:        orchestrate.StatusFailedTerminal,
				FailureReason: orchestrate.ReasonCancelled,
				Detail:        "no result before query ended",
			}
		}
		perService[serviceID] = att
		if att.Status == orchestrate.StatusSucceeded {
			answers[serviceID] = att.Response.Text
		} else {
			failed = append(failed, fmt.Sprintf("%s: %s", serviceID, att.FailureReason))
		}
	}

	insights := s.overlappingClaims(answers)
	divergence := s.divergenceNotes(answers, insights)
	sort.Strings(failed)
	for _, f := range failed {
		divergence = append(divergence, "no answer from "+f)
	}

	return Result{
		QueryID:         req.ID,
		Prompt:          req.Prompt(),
		PerService:      perService,
		CommonInsights:  insights,
		MergedSummary:   s.summary(answers, insights),
		DivergenceNotes: divergence,
		AuditTrail:      audit,
		CreatedAt:       time.Now().UTC(),
	}
}

// overlappingClaims finds sentences attested by two or more services using a
// mem-only full-text index: each service's sentences are indexed, then each
// sentence is matched against the rest of the corpus.
func (s *Synthesizer) overlappingClaims(answers map[string]string) []Insight {
	if len(answers) < 2 {
		return nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		s.logger.Printf("overlap index: %v", err)
		return nil
	}
	defer index.Close()

	type sentenceDoc struct {
		Service string `json:"service"`
		Text    string `json:"text"`
	}
	docs := make(map[string]sentenceDoc)

	services := make([]string, 0, len(answers))
	for svc := range answers {
		services = append(services, svc)
	}
	sort.Strings(services)

	var ordered []string
	for _, svc := range services {
		for i, sent := range splitSentences(answers[svc]) {
			if len(strings.Fields(sent)) < s.minSentenceWords {
				continue
			}
			id := fmt.Sprintf("%s#%04d", svc, i)
			doc := sentenceDoc{Service: svc, Text: sent}
			if err := index.Index(id, doc); err != nil {
				continue
			}
			docs[id] = doc
			ordered = append(ordered, id)
		}
	}

	seen := make(map[string]struct{})
	var insights []Insight
	for _, id := range ordered {
		doc := docs[id]
		query := bleve.NewMatchQuery(doc.Text)
		query.SetField("text")
		searchReq := bleve.NewSearchRequestOptions(query, 20, 0, false)
		res, err := index.Search(searchReq)
		if err != nil || len(res.Hits) == 0 {
			continue
		}

		top := res.Hits[0].Score
		attested := map[string]struct{}{doc.Service: {}}
		for _, hit := range res.Hits {
			other, ok := docs[hit.ID]
			if !ok || other.Service == doc.Service {
				continue
			}
			// Require most of the sentence's terms to match, not just one.
			if hit.Score < 0.6*top {
				continue
			}
			attested[other.Service] = struct{}{}
		}
		if len(attested) < 2 {
			continue
		}

		key := claimKey(doc.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		names := make([]string, 0, len(attested))
		for svc := range attested {
			names = append(names, svc)
		}
		sort.Strings(names)
		insights = append(insights, Insight{Text: doc.Text, Services: names})
	}
	return insights
}

func (s *Synthesizer) divergenceNotes(answers map[string]string, insights []Insight) []string {
	common := make(map[string]struct{}, len(insights))
	for _, in := range insights {
		common[claimKey(in.Text)] = struct{}{}
	}

	services := make([]string, 0, len(answers))
	for svc := range answers {
		services = append(services, svc)
	}
	sort.Strings(services)

	var notes []string
	for _, svc := range services {
		unique := 0
		total := 0
		for _, sent := range splitSentences(answers[svc]) {
			if len(strings.Fields(sent)) < s.minSentenceWords {
				continue
			}
			total++
			if _, ok := common[claimKey(sent)]; !ok {
				unique++
			}
		}
		if total > 0 && unique == total {
			notes = append(notes, fmt.Sprintf("%s shares no claims with the other services", svc))
		}
	}
	return notes
}

func (s *Synthesizer) summary(answers map[string]string, insights []Insight) string {
	if len(answers) == 0 {
		return "No service produced a validated answer."
	}
	if len(insights) == 0 {
		return fmt.Sprintf("%d service(s) answered; no overlapping claims were detected. See the per-service sections.", len(answers))
	}
	var b strings.Builder
	limit := len(insights)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(insights[i].Text)
	}
	return b.String()
}

// splitSentences is a deliberately naive splitter; overlap matching only
// needs rough sentence boundaries.
func splitSentences(text string) []string {
	var out []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				out = append(out, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// claimKey normalizes a sentence into a comparison signature.
func claimKey(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		fields[i] = strings.Trim(f, ".,;:!?()[]\"'")
	}
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
