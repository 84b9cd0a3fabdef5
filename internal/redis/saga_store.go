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

const sagaRetention = 30 * 24 * time.Hour

// SagaStore persists saga run records.
type SagaStore interface {
	Save(ctx context.Context, run *domain.SagaRun) error
	Get(ctx context.Context, id string) (*domain.SagaRun, error)
}

type sagaStore struct {
	client *redis.Client
}

// NewSagaStore creates a Redis-backed SagaStore.
func NewSagaStore(client *redis.Client) SagaStore {
	return &sagaStore{client: client}
}

func (s *sagaStore) Save(ctx context.Context, run *domain.SagaRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal saga %s: %w", run.ID, err)
	}
	// Failed compensations stay until an operator deals with them.
	ttl := sagaRetention
	if run.Status == domain.SagaCompensationFailed {
		ttl = 0
	}
	if err := s.client.Set(ctx, sagaKey(run.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis save saga %s: %w", run.ID, err)
	}
	return nil
}

func (s *sagaStore) Get(ctx context.Context, id string) (*domain.SagaRun, error) {
	data, err := s.client.Get(ctx, sagaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("saga %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get saga %s: %w", id, err)
	}
	var run domain.SagaRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal saga %s: %w", id, err)
	}
	return &run, nil
}
