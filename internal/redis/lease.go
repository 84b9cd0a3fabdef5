package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a named, TTL-bound mutual exclusion lock. The scheduler uses it
// for leader election and the orchestrator for per-workflow ownership.
type Lease interface {
	// Acquire takes the lease if it is free and renews it if owner already
	// holds it. It reports whether owner holds the lease afterwards.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
	Holder(ctx context.Context, key string) (string, error)
}

type redisLease struct {
	client *redis.Client
}

// NewLease creates a Redis-backed Lease.
func NewLease(client *redis.Client) Lease {
	return &redisLease{client: client}
}

var renewLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *redisLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease %s set-nx: %w", key, err)
	}
	if ok {
		return true, nil
	}

	// Already set: renew only if we own it.
	result, err := renewLeaseScript.Run(ctx, l.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease %s renew: %w", key, err)
	}
	return result == 1, nil
}

func (l *redisLease) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseLeaseScript.Run(ctx, l.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("lease %s release: %w", key, err)
	}
	return n == 1, nil
}

// Holder returns the current owner, or "" when the lease is free.
func (l *redisLease) Holder(ctx context.Context, key string) (string, error) {
	v, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease %s get: %w", key, err)
	}
	return v, nil
}
