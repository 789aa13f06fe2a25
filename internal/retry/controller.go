// Package retry bounds the per-(query, service) attempt loop: it decides
// whether a failed attempt gets another dispatch, how long to wait first, and
// what clarification to append to the prompt.
package retry

import (
	"context"
	"time"

	"github.com/quorumhq/quorum/config"
)

// Reason classifies why a retry was (or was not) granted.
type Reason string

const (
	ReasonValidation  Reason = "validation_failed"
	ReasonTimeout     Reason = "timeout"
	ReasonRateLimited Reason = "rate_limited"
	ReasonInput       Reason = "input_unavailable"
	ReasonExhausted   Reason = "retries_exhausted"
)

// Decision is the controller's verdict after a retryable failure.
type Decision struct {
	Retry         bool
	Delay         time.Duration
	Clarification string
	Reason        Reason
}

// Controller applies the retry budget and backoff policy. One controller
// serves all (query, service) pairs; it carries no per-pair state because the
// orchestrator runs each pair strictly sequentially.
type Controller struct {
	maxAttempts int
	backoff     config.BackoffConfig
}

// NewController builds a controller from orchestrator config.
func NewController(cfg config.OrchestratorConfig) *Controller {
	max := cfg.MaxRetriesPerService
	if max <= 0 {
		max = 1
	}
	return &Controller{maxAttempts: max, backoff: cfg.Backoff}
}

// MaxAttempts returns the total attempt budget per (query, service).
func (c *Controller) MaxAttempts() int { return c.maxAttempts }

// Decide evaluates a retryable failure of attemptNumber (1-based). When the
// budget is exhausted the decision carries ReasonExhausted and Retry=false;
// the caller preserves the last missing-elements list for audit.
func (c *Controller) Decide(attemptNumber int, reason Reason, missing []string, clarify ClarifierFunc) Decision {
	if attemptNumber >= c.maxAttempts {
		return Decision{Retry: false, Reason: ReasonExhausted}
	}
	d := Decision{
		Retry:  true,
		Delay:  c.delayFor(attemptNumber, reason),
		Reason: reason,
	}
	if reason == ReasonValidation && clarify != nil {
		d.Clarification = clarify(missing)
	}
	return d
}

// delayFor computes the pre-dispatch delay. Rate limiting gets its own
// extended delay, separate from normal backoff.
func (c *Controller) delayFor(attemptNumber int, reason Reason) time.Duration {
	if reason == ReasonRateLimited {
		if c.backoff.RateLimitDelay > 0 {
			return c.backoff.RateLimitDelay
		}
		return 90 * time.Second
	}
	initial := c.backoff.InitialDelay
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if c.backoff.Strategy == "fixed" {
		return initial
	}
	delay := initial << (attemptNumber - 1)
	if max := c.backoff.MaxDelay; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// Sleep waits out a decision's delay, returning early on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
