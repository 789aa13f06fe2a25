package orchestrate

import (
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/rubric"
)

// AttemptStatus is the lifecycle state of one dispatch-and-response cycle.
type AttemptStatus string

const (
	StatusPending         AttemptStatus = "pending"
	StatusDispatched      AttemptStatus = "dispatched"
	StatusSucceeded       AttemptStatus = "succeeded"
	StatusFailedRetryable AttemptStatus = "failed_retryable"
	StatusFailedTerminal  AttemptStatus = "failed_terminal"
)

// FailureReason names why an attempt failed, for audit and reporting.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonSessionUnavailable FailureReason = "session_unavailable"
	ReasonAuthExpired        FailureReason = "authentication_expired"
	ReasonInputUnavailable   FailureReason = "input_unavailable"
	ReasonTimeout            FailureReason = "timeout"
	ReasonRateLimited        FailureReason = "rate_limited"
	ReasonValidationFailed   FailureReason = "validation_failed"
	ReasonCancelled          FailureReason = "cancelled"
	ReasonUnknownService     FailureReason = "unknown_service"
)

// QueryRequest is one user query fanned out to a set of services. Immutable
// once dispatched; refining creates a new request with a parent back-reference.
type QueryRequest struct {
	ID                   string        `json:"id"`
	ParentID             string        `json:"parent_id,omitempty"` // weak, non-owning back-reference
	OriginalPrompt       string        `json:"original_prompt"`
	RefinedPrompt        string        `json:"refined_prompt,omitempty"`
	TargetServices       []string      `json:"target_services"`
	Rubric               rubric.Rubric `json:"rubric"`
	MaxRetriesPerService int           `json:"max_retries_per_service"`
	CreatedAt            time.Time     `json:"created_at"`
}

// NewQueryRequest builds a request with a fresh ID.
func NewQueryRequest(prompt string, services []string, r rubric.Rubric, maxRetries int) QueryRequest {
	return QueryRequest{
		ID:                   uuid.NewString(),
		OriginalPrompt:       prompt,
		TargetServices:       services,
		Rubric:               r,
		MaxRetriesPerService: maxRetries,
		CreatedAt:            time.Now().UTC(),
	}
}

// Refine creates a follow-up request carrying a back-reference to this one.
func (q QueryRequest) Refine(refined string) QueryRequest {
	next := NewQueryRequest(q.OriginalPrompt, q.TargetServices, q.Rubric, q.MaxRetriesPerService)
	next.ParentID = q.ID
	next.RefinedPrompt = refined
	return next
}

// Prompt returns the text actually submitted to services.
func (q QueryRequest) Prompt() string {
	if q.RefinedPrompt != "" {
		return q.RefinedPrompt
	}
	return q.OriginalPrompt
}

// ServiceAttempt is one dispatch-and-response cycle for a (query, service)
// pair. At most one attempt per pair is ever in StatusDispatched; attempts
// for the same pair run strictly sequentially.
type ServiceAttempt struct {
	QueryID       string                   `json:"query_id"`
	ServiceID     string                   `json:"service_id"`
	AttemptNumber int                      `json:"attempt_number"`
	Status        AttemptStatus            `json:"status"`
	Response      adapter.RawResponse      `json:"response,omitempty"`
	Citations     []adapter.Citation       `json:"citations,omitempty"`
	Validation    *rubric.ValidationResult `json:"validation,omitempty"`
	FailureReason FailureReason            `json:"failure_reason,omitempty"`
	Detail        string                   `json:"detail,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	EndedAt       time.Time                `json:"ended_at,omitempty"`
}

// Terminal reports whether the attempt ended its service's participation.
func (a ServiceAttempt) Terminal() bool {
	return a.Status == StatusSucceeded || a.Status == StatusFailedTerminal
}

// AttemptUpdate is one element of the dispatch stream. Final marks the last
// update a service will produce for this query.
type AttemptUpdate struct {
	Attempt ServiceAttempt `json:"attempt"`
	Final   bool           `json:"final"`
}
