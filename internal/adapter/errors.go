package adapter

import "errors"

// Error taxonomy shared by all adapters. The orchestrator maps these onto
// attempt states; they never propagate as failures of the whole query.
var (
	// ErrSessionUnavailable: the underlying surface is unreachable.
	// Fatal for the attempt, not retried within the same query.
	ErrSessionUnavailable = errors.New("adapter: session unavailable")

	// ErrAuthenticationExpired: the persisted session is no longer valid.
	// Terminal for the query; the profile is flagged for re-login.
	ErrAuthenticationExpired = errors.New("adapter: authentication expired")

	// ErrInputUnavailable: the text entry point could not be located or
	// focused after exhausting all detection strategies.
	ErrInputUnavailable = errors.New("adapter: input unavailable")

	// ErrTimeout: no completed response within the attempt window.
	ErrTimeout = errors.New("adapter: response timeout")

	// ErrRateLimited: the service signalled explicit backoff. Triggers an
	// extended delay before the next retry.
	ErrRateLimited = errors.New("adapter: rate limited")
)

// Retryable reports whether the error is worth another attempt within the
// retry budget.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimited), errors.Is(err, ErrInputUnavailable):
		return true
	default:
		return false
	}
}
