package adapter

import (
	"context"
	"time"
)

// StabilityPoller implements the growth-then-stability heuristic for response
// completion: poll a size probe at fixed intervals and consider the response
// done only after N consecutive polls show no further growth. Cancellation is
// honored at every poll boundary, so cancel latency is bounded by Interval.
type StabilityPoller struct {
	Interval       time.Duration
	StabilityPolls int
}

// Wait polls probe until size stabilizes or the timeout elapses. probe
// returns the current size of the growing response region; a probe error is
// tolerated (treated as "no change") since transient DOM churn is expected.
func (p StabilityPoller) Wait(ctx context.Context, timeout time.Duration, probe func(ctx context.Context) (int, error)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	need := p.StabilityPolls
	if need <= 0 {
		need = 3
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSize := -1
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			// Partial growth that never stabilized still counts as a
			// timeout; callers decide whether to salvage the text.
			return ErrTimeout
		}

		size, err := probe(ctx)
		if err != nil {
			continue
		}
		if size > 0 && size == lastSize {
			stable++
			if stable >= need {
				return nil
			}
		} else {
			stable = 0
		}
		lastSize = size
	}
}
