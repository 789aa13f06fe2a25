// Package adapter defines the capability interface between the orchestrator
// core and one external AI service's automation surface. Everything behind
// this interface is inherently unreliable (rate limits, UI changes, anti-bot
// countermeasures); implementations must surface failures only through the
// error kinds in errors.go.
package adapter

import (
	"context"
	"time"
)

// OpenHandle is a session-bound context for one opened service surface.
// Implementations attach whatever they need (browser context, HTTP client).
type OpenHandle interface {
	// ServiceID identifies the service this handle belongs to.
	ServiceID() string

	// Close releases the underlying surface.
	Close() error
}

// AttemptHandle tracks one in-flight submission. Submission is separated from
// awaiting so the orchestrator can run many adapters concurrently without one
// adapter's slow polling blocking another's submission.
type AttemptHandle interface {
	// ID identifies the in-flight attempt for logging.
	ID() string
}

// RawResponse is the extracted response of one attempt.
type RawResponse struct {
	Text        string    `json:"text"`
	HTML        string    `json:"html,omitempty"`
	Model       string    `json:"model,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Citation is a best-effort reference extracted from a response.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ServiceAdapter connects the core to one external AI service.
// Implementations exist per automation variant: browser DOM automation,
// desktop UI automation, or a native API.
type ServiceAdapter interface {
	// ServiceID returns the stable identifier for this service.
	ServiceID() string

	// Open establishes a session-bound context using persisted state if
	// present. Fails with ErrSessionUnavailable when the surface cannot be
	// reached at all (service down, binary missing).
	Open(ctx context.Context) (OpenHandle, error)

	// IsAuthenticated is a cheap probe for an authenticated-only marker.
	// It must not mutate state on failure.
	IsAuthenticated(ctx context.Context, h OpenHandle) (bool, error)

	// SubmitQuery begins a request and returns without waiting for the
	// response. Fails with ErrInputUnavailable when the entry point for
	// text cannot be located or focused.
	SubmitQuery(ctx context.Context, h OpenHandle, text string) (AttemptHandle, error)

	// AwaitResponse blocks until the response is detected as complete or
	// the timeout elapses (ErrTimeout). Implementations poll at fixed
	// intervals and must honor ctx cancellation at poll boundaries.
	AwaitResponse(ctx context.Context, a AttemptHandle, timeout time.Duration) (RawResponse, error)

	// ExtractCitations is best-effort; an empty result is not an error.
	ExtractCitations(r RawResponse) []Citation
}
