package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestStabilityPollerDetectsStableSize(t *testing.T) {
	p := StabilityPoller{Interval: 5 * time.Millisecond, StabilityPolls: 3}

	// Grows for three polls, then holds.
	var calls int32
	probe := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return int(n * 100), nil
		}
		return 300, nil
	}
	if err := p.Wait(context.Background(), time.Second, probe); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&calls) < 5 {
		t.Fatalf("expected at least 5 polls (growth + 3 stable), got %d", calls)
	}
}

func TestStabilityPollerTimeoutOnEndlessGrowth(t *testing.T) {
	p := StabilityPoller{Interval: 5 * time.Millisecond, StabilityPolls: 3}

	size := 0
	probe := func(ctx context.Context) (int, error) {
		size++
		return size, nil
	}
	err := p.Wait(context.Background(), 50*time.Millisecond, probe)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestStabilityPollerIgnoresEmptyStability(t *testing.T) {
	p := StabilityPoller{Interval: 5 * time.Millisecond, StabilityPolls: 2}

	// Size stays at zero; "no response yet" must not count as stable.
	probe := func(ctx context.Context) (int, error) { return 0, nil }
	err := p.Wait(context.Background(), 40*time.Millisecond, probe)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestStabilityPollerCancellation(t *testing.T) {
	p := StabilityPoller{Interval: 5 * time.Millisecond, StabilityPolls: 3}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()
	probe := func(ctx context.Context) (int, error) { return 1, nil }
	start := time.Now()
	err := p.Wait(ctx, 10*time.Second, probe)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation took too long")
	}
}

func TestStabilityPollerToleratesProbeErrors(t *testing.T) {
	p := StabilityPoller{Interval: 5 * time.Millisecond, StabilityPolls: 2}

	var calls int32
	probe := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n%2 == 0 {
			return 0, fmt.Errorf("transient dom churn")
		}
		return 50, nil
	}
	if err := p.Wait(context.Background(), time.Second, probe); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDetectFirstHitWins(t *testing.T) {
	strategies := []DetectionStrategy{
		{Name: "css", Locate: func(ctx context.Context) (string, error) { return "", errors.New("not found") }},
		{Name: "aria", Locate: func(ctx context.Context) (string, error) { return "#input", nil }},
		{Name: "heuristic", Locate: func(ctx context.Context) (string, error) {
			t.Fatal("later strategies must not run after a hit")
			return "", nil
		}},
	}
	target, err := Detect(context.Background(), ErrInputUnavailable, strategies)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if target != "#input" {
		t.Fatalf("target = %q", target)
	}
}

func TestDetectAllFailWrapsKind(t *testing.T) {
	strategies := []DetectionStrategy{
		{Name: "a", Locate: func(ctx context.Context) (string, error) { return "", errors.New("no") }},
		{Name: "b", Locate: func(ctx context.Context) (string, error) { return "", errors.New("nope") }},
	}
	_, err := Detect(context.Background(), ErrInputUnavailable, strategies)
	if !errors.Is(err, ErrInputUnavailable) {
		t.Fatalf("err = %v, want ErrInputUnavailable", err)
	}
}

func TestDetectEmptyStrategies(t *testing.T) {
	_, err := Detect(context.Background(), ErrInputUnavailable, nil)
	if !errors.Is(err, ErrInputUnavailable) {
		t.Fatalf("err = %v, want ErrInputUnavailable", err)
	}
}

func TestCitationsFromText(t *testing.T) {
	text := "See https://example.com/a. Also (https://example.com/b) and https://example.com/a again."
	cites := CitationsFromText(text)
	if len(cites) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(cites), cites)
	}
	if cites[0].URL != "https://example.com/a" {
		t.Fatalf("first = %q", cites[0].URL)
	}
	if cites[1].URL != "https://example.com/b" {
		t.Fatalf("second = %q", cites[1].URL)
	}
}

func TestCitationsFromTextEmpty(t *testing.T) {
	if got := CitationsFromText("no links here"); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{ErrTimeout, ErrRateLimited, ErrInputUnavailable} {
		if !Retryable(err) {
			t.Errorf("%v should be retryable", err)
		}
	}
	for _, err := range []error{ErrSessionUnavailable, ErrAuthenticationExpired, errors.New("other")} {
		if Retryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}
