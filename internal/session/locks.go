package session

import (
	"context"
	"sync"
)

// LockRegistry hands out one exclusive lock per service. A query targeting a
// service whose lock is held queues behind it rather than opening a second
// concurrent session against the same persisted profile.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]chan struct{})}
}

// Acquire blocks until the service lock is free or the context is done.
// The returned release function must be called exactly once.
func (r *LockRegistry) Acquire(ctx context.Context, serviceID string) (func(), error) {
	r.mu.Lock()
	ch, ok := r.locks[serviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[serviceID] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the lock without waiting; ok reports success.
func (r *LockRegistry) TryAcquire(serviceID string) (func(), bool) {
	r.mu.Lock()
	ch, ok := r.locks[serviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[serviceID] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return nil, false
	}
}
