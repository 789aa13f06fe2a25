package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one directory per service under the profile root. The
// profile metadata lives in profile.json; adapters may park additional state
// (e.g. a browser user-data dir) next to it via ProfileDir.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // serializes Save/Invalidate per service
}

// NewFileStore creates the profile root if missing.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		root = "./profiles"
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating profile root: %w", err)
	}
	return &FileStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// ProfileDir returns the per-service directory, creating it on first use.
// Browser adapters use it as the persistent user-data dir.
func (s *FileStore) ProfileDir(serviceID string) (string, error) {
	dir := filepath.Join(s.root, sanitizeID(serviceID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating profile dir for %s: %w", serviceID, err)
	}
	return dir, nil
}

func (s *FileStore) Save(ctx context.Context, serviceID string, authState []byte) error {
	lock := s.lockFor(serviceID)
	lock.Lock()
	defer lock.Unlock()

	prof := Profile{
		ServiceID:       serviceID,
		AuthState:       authState,
		AuthStatus:      AuthValid,
		LastValidatedAt: time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	return s.write(serviceID, prof)
}

func (s *FileStore) Load(ctx context.Context, serviceID string) (Profile, error) {
	path := s.profilePath(serviceID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("reading profile for %s: %w", serviceID, err)
	}
	var prof Profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return Profile{}, fmt.Errorf("decoding profile for %s: %w", serviceID, err)
	}
	return prof, nil
}

func (s *FileStore) Invalidate(ctx context.Context, serviceID string) error {
	lock := s.lockFor(serviceID)
	lock.Lock()
	defer lock.Unlock()

	prof, err := s.Load(ctx, serviceID)
	if err != nil {
		return err
	}
	prof.AuthStatus = AuthExpired
	prof.UpdatedAt = time.Now().UTC()
	return s.write(serviceID, prof)
}

func (s *FileStore) Touch(ctx context.Context, serviceID string) error {
	lock := s.lockFor(serviceID)
	lock.Lock()
	defer lock.Unlock()

	prof, err := s.Load(ctx, serviceID)
	if err != nil {
		return err
	}
	prof.AuthStatus = AuthValid
	prof.LastValidatedAt = time.Now().UTC()
	prof.UpdatedAt = prof.LastValidatedAt
	return s.write(serviceID, prof)
}

func (s *FileStore) List(ctx context.Context) ([]Profile, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing profile root: %w", err)
	}
	var out []Profile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), "profile.json"))
		if err != nil {
			continue
		}
		var prof Profile
		if err := json.Unmarshal(data, &prof); err != nil {
			continue
		}
		out = append(out, prof)
	}
	return out, nil
}

// write persists via temp-file-then-rename so a crash mid-save never
// corrupts a previously valid profile.
func (s *FileStore) write(serviceID string, prof Profile) error {
	dir := filepath.Join(s.root, sanitizeID(serviceID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating profile dir for %s: %w", serviceID, err)
	}
	data, err := json.MarshalIndent(prof, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding profile for %s: %w", serviceID, err)
	}
	tmp, err := os.CreateTemp(dir, "profile-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp profile for %s: %w", serviceID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp profile for %s: %w", serviceID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp profile for %s: %w", serviceID, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, "profile.json")); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing profile for %s: %w", serviceID, err)
	}
	return nil
}

func (s *FileStore) profilePath(serviceID string) string {
	return filepath.Join(s.root, sanitizeID(serviceID), "profile.json")
}

func (s *FileStore) lockFor(serviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serviceID] = l
	}
	return l
}

// sanitizeID keeps service IDs safe as directory names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
