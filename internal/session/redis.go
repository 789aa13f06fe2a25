package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumhq/quorum/config"
)

const profileKeyPrefix = "quorum:profile:"

// RedisStore keeps profiles as JSON values keyed per service. Useful when
// several hosts share one profile set; the per-service lock discipline still
// applies (see LockRegistry).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the configured redis instance.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Save(ctx context.Context, serviceID string, authState []byte) error {
	prof := Profile{
		ServiceID:       serviceID,
		AuthState:       authState,
		AuthStatus:      AuthValid,
		LastValidatedAt: time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	return s.write(ctx, prof)
}

func (s *RedisStore) Load(ctx context.Context, serviceID string) (Profile, error) {
	data, err := s.client.Get(ctx, profileKeyPrefix+serviceID).Bytes()
	if err == redis.Nil {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile for %s: %w", serviceID, err)
	}
	var prof Profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return Profile{}, fmt.Errorf("decoding profile for %s: %w", serviceID, err)
	}
	return prof, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, serviceID string) error {
	prof, err := s.Load(ctx, serviceID)
	if err != nil {
		return err
	}
	prof.AuthStatus = AuthExpired
	prof.UpdatedAt = time.Now().UTC()
	return s.write(ctx, prof)
}

func (s *RedisStore) Touch(ctx context.Context, serviceID string) error {
	prof, err := s.Load(ctx, serviceID)
	if err != nil {
		return err
	}
	prof.AuthStatus = AuthValid
	prof.LastValidatedAt = time.Now().UTC()
	prof.UpdatedAt = prof.LastValidatedAt
	return s.write(ctx, prof)
}

func (s *RedisStore) List(ctx context.Context) ([]Profile, error) {
	var (
		out    []Profile
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, profileKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning profiles: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var prof Profile
			if err := json.Unmarshal(data, &prof); err != nil {
				continue
			}
			out = append(out, prof)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) write(ctx context.Context, prof Profile) error {
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("encoding profile for %s: %w", prof.ServiceID, err)
	}
	if err := s.client.Set(ctx, profileKeyPrefix+prof.ServiceID, data, 0).Err(); err != nil {
		return fmt.Errorf("storing profile for %s: %w", prof.ServiceID, err)
	}
	return nil
}
