package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers the outcome of operations keyed by a caller
// supplied idempotency key.
type IdempotencyStore interface {
	// Claim binds key to value unless the key is already bound, in which
	// case it returns the existing value and false.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	// Release drops a claim whose operation did not go through.
	Release(ctx context.Context, key string) error
}

type idempotencyStore struct {
	client *redis.Client
}

// NewIdempotencyStore creates a Redis-backed IdempotencyStore.
func NewIdempotencyStore(client *redis.Client) IdempotencyStore {
	return &idempotencyStore{client: client}
}

func (s *idempotencyStore) Claim(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKey(key), value, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	if ok {
		return value, true, nil
	}
	existing, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		return s.Claim(ctx, key, value, ttl)
	}
	if err != nil {
		return "", false, fmt.Errorf("redis read claim %s: %w", key, err)
	}
	return existing, false, nil
}

func (s *idempotencyStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := s.client.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

func (s *idempotencyStore) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := s.client.Set(ctx, idempotencyKey(key), []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *idempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
