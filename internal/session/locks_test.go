package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockRegistryMutualExclusion(t *testing.T) {
	r := NewLockRegistry()
	ctx := context.Background()

	release, err := r.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, ok := r.TryAcquire("svc"); ok {
		t.Fatalf("second acquisition should fail while held")
	}
	release()
	release2, ok := r.TryAcquire("svc")
	if !ok {
		t.Fatalf("lock should be free after release")
	}
	release2()
}

func TestLockRegistryIndependentServices(t *testing.T) {
	r := NewLockRegistry()
	ctx := context.Background()

	relA, err := r.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer relA()
	relB, err := r.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("holding a should not block b: %v", err)
	}
	relB()
}

func TestLockRegistryAcquireCancelled(t *testing.T) {
	r := NewLockRegistry()
	release, err := r.Acquire(context.Background(), "svc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "svc"); err == nil {
		t.Fatalf("expected context error waiting on held lock")
	}
}

func TestLockRegistryReleaseIdempotent(t *testing.T) {
	r := NewLockRegistry()
	release, err := r.Acquire(context.Background(), "svc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // second call must not unlock someone else's acquisition

	again, ok := r.TryAcquire("svc")
	if !ok {
		t.Fatalf("lock should be acquirable")
	}
	if _, ok := r.TryAcquire("svc"); ok {
		t.Fatalf("double release corrupted the lock state")
	}
	again()
}

func TestLockRegistrySerializesWaiters(t *testing.T) {
	r := NewLockRegistry()
	ctx := context.Background()

	var mu sync.Mutex
	active := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(ctx, "svc")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("peak concurrent holders = %d, want 1", peak)
	}
}
