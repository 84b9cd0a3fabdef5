package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// HeartbeatStore keeps worker liveness records and the manager's registry
// of the workers it started.
type HeartbeatStore interface {
	Publish(ctx context.Context, hb *domain.Heartbeat, ttl time.Duration) error
	// Get returns nil, nil when the heartbeat expired or was never written.
	Get(ctx context.Context, workerID string) (*domain.Heartbeat, error)
	Register(ctx context.Context, reg *domain.WorkerRegistration) error
	Unregister(ctx context.Context, workerID string) error
	Registered(ctx context.Context) ([]*domain.WorkerRegistration, error)
}

type heartbeatStore struct {
	client *redis.Client
}

// NewHeartbeatStore creates a Redis-backed HeartbeatStore.
func NewHeartbeatStore(client *redis.Client) HeartbeatStore {
	return &heartbeatStore{client: client}
}

func (s *heartbeatStore) Publish(ctx context.Context, hb *domain.Heartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := s.client.Set(ctx, heartbeatKey(hb.WorkerID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis publish heartbeat for %s: %w", hb.WorkerID, err)
	}
	return nil
}

func (s *heartbeatStore) Get(ctx context.Context, workerID string) (*domain.Heartbeat, error) {
	data, err := s.client.Get(ctx, heartbeatKey(workerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get heartbeat for %s: %w", workerID, err)
	}
	var hb domain.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("unmarshal heartbeat for %s: %w", workerID, err)
	}
	return &hb, nil
}

func (s *heartbeatStore) Register(ctx context.Context, reg *domain.WorkerRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, registryKey(reg.WorkerID), data, 0)
	pipe.SAdd(ctx, workersKey, reg.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis register worker %s: %w", reg.WorkerID, err)
	}
	return nil
}

func (s *heartbeatStore) Unregister(ctx context.Context, workerID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, registryKey(workerID), heartbeatKey(workerID))
	pipe.SRem(ctx, workersKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis unregister worker %s: %w", workerID, err)
	}
	return nil
}

func (s *heartbeatStore) Registered(ctx context.Context) ([]*domain.WorkerRegistration, error) {
	ids, err := s.client.SMembers(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list workers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = registryKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read registrations: %w", err)
	}
	out := make([]*domain.WorkerRegistration, 0, len(raw))
	for _, r := range raw {
		str, ok := r.(string)
		if !ok {
			continue
		}
		var reg domain.WorkerRegistration
		if err := json.Unmarshal([]byte(str), &reg); err != nil {
			return nil, fmt.Errorf("unmarshal registration: %w", err)
		}
		out = append(out, &reg)
	}
	return out, nil
}
