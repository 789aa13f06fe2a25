package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/quorumhq/quorum/config"
)

// ErrNotFound is returned when a service was never authenticated. Callers
// must treat it as a normal state: the fix is an interactive login, not a retry.
var ErrNotFound = errors.New("session: profile not found")

// Store persists per-service authentication state across restarts.
// Implementations must keep each service's state isolated; writes for one
// service never touch another's.
type Store interface {
	// Save persists the opaque auth state for a service.
	Save(ctx context.Context, serviceID string, authState []byte) error

	// Load returns the stored profile, or ErrNotFound.
	Load(ctx context.Context, serviceID string) (Profile, error)

	// Invalidate marks the profile expired, keeping the blob for inspection.
	Invalidate(ctx context.Context, serviceID string) error

	// Touch records a successful authentication probe.
	Touch(ctx context.Context, serviceID string) error

	// List returns every stored profile.
	List(ctx context.Context) ([]Profile, error)
}

// NewStore builds the configured session store backend.
func NewStore(cfg config.SessionConfig, storage config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.ProfileDir)
	case "redis":
		return NewRedisStore(storage.Redis)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", cfg.Backend)
	}
}
