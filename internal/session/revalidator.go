package session

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
)

// Prober is the slice of the adapter surface the revalidator needs: a cheap
// authentication check that must not mutate state on failure.
type Prober interface {
	Probe(ctx context.Context, serviceID string) (bool, error)
}

// Revalidator periodically probes stored profiles so expired logins are
// discovered before query time instead of during a dispatch.
type Revalidator struct {
	store  Store
	locks  *LockRegistry
	prober Prober
	spec   string
	logger *log.Logger
}

// NewRevalidator builds a revalidator for the given cron spec.
// Supports "@hourly", "@daily", and standard cron expressions.
func NewRevalidator(store Store, locks *LockRegistry, prober Prober, spec string, logger *log.Logger) *Revalidator {
	if logger == nil {
		logger = log.New(log.Writer(), "[REVALIDATE] ", log.LstdFlags)
	}
	return &Revalidator{store: store, locks: locks, prober: prober, spec: spec, logger: logger}
}

// Run blocks until ctx is cancelled, probing all profiles on each tick.
func (r *Revalidator) Run(ctx context.Context) {
	for {
		next, err := r.nextTick(time.Now())
		if err != nil {
			r.logger.Printf("invalid cron spec %q: %v; falling back to hourly", r.spec, err)
			next = time.Now().Add(time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		r.RunOnce(ctx)
	}
}

// RunOnce probes every stored profile once.
func (r *Revalidator) RunOnce(ctx context.Context) {
	profiles, err := r.store.List(ctx)
	if err != nil {
		r.logger.Printf("listing profiles: %v", err)
		return
	}
	for _, prof := range profiles {
		if ctx.Err() != nil {
			return
		}
		r.probeOne(ctx, prof)
	}
}

func (r *Revalidator) probeOne(ctx context.Context, prof Profile) {
	// Skip when a query holds the service; probing through a live session
	// risks tripping anti-automation detection.
	release, ok := r.locks.TryAcquire(prof.ServiceID)
	if !ok {
		return
	}
	defer release()

	authed, err := r.prober.Probe(ctx, prof.ServiceID)
	if err != nil {
		r.logger.Printf("probe %s: %v", prof.ServiceID, err)
		return
	}
	if authed {
		if err := r.store.Touch(ctx, prof.ServiceID); err != nil {
			r.logger.Printf("touch %s: %v", prof.ServiceID, err)
		}
		return
	}
	r.logger.Printf("session for %s no longer valid, flagging for re-login", prof.ServiceID)
	if err := r.store.Invalidate(ctx, prof.ServiceID); err != nil {
		r.logger.Printf("invalidate %s: %v", prof.ServiceID, err)
	}
}

func (r *Revalidator) nextTick(now time.Time) (time.Time, error) {
	switch r.spec {
	case "", "@hourly":
		return now.Add(time.Hour), nil
	case "@daily":
		return now.Add(24 * time.Hour), nil
	default:
		expr, err := cronexpr.Parse(r.spec)
		if err != nil {
			return time.Time{}, err
		}
		return expr.Next(now), nil
	}
}
