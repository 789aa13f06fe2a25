package adapter

import (
	"context"
	"fmt"
)

// DetectionStrategy is one way of locating an element on an automation
// surface (a selector, an accessibility query, a heuristic scan). Strategies
// are tried in order so individual ones can be swapped without changing the
// adapter contract.
type DetectionStrategy struct {
	Name string
	// Locate returns an opaque target reference, or an error when this
	// strategy cannot find the element.
	Locate func(ctx context.Context) (string, error)
}

// Detect runs strategies in sequence and returns the first hit. When every
// strategy fails the last error is wrapped in kind (typically
// ErrInputUnavailable) so the orchestrator sees a classified failure.
func Detect(ctx context.Context, kind error, strategies []DetectionStrategy) (string, error) {
	if len(strategies) == 0 {
		return "", fmt.Errorf("%w: no detection strategies configured", kind)
	}
	var lastErr error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		target, err := s.Locate(ctx)
		if err == nil {
			return target, nil
		}
		lastErr = fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	return "", fmt.Errorf("%w: %v", kind, lastErr)
}
