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

const workflowRetention = 7 * 24 * time.Hour

// WorkflowStore persists workflow runs. Workflows still to be driven are
// indexed in workflows:active so a restarted orchestrator can resume them;
// paused and terminal ones are not.
type WorkflowStore interface {
	Save(ctx context.Context, wf *domain.Workflow) error
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	ListActive(ctx context.Context) ([]string, error)
	// RequestCancel flags a workflow for cancellation by whichever
	// orchestrator owns it.
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	// RequestPause asks the owner to stop starting steps; ClearPause
	// withdraws the request.
	RequestPause(ctx context.Context, id string) error
	PauseRequested(ctx context.Context, id string) (bool, error)
	ClearPause(ctx context.Context, id string) error
}

type workflowStore struct {
	client *redis.Client
}

// NewWorkflowStore creates a Redis-backed WorkflowStore.
func NewWorkflowStore(client *redis.Client) WorkflowStore {
	return &workflowStore{client: client}
}

func (s *workflowStore) Save(ctx context.Context, wf *domain.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", wf.ID, err)
	}
	pipe := s.client.TxPipeline()
	switch {
	case wf.Status.IsTerminal():
		pipe.Set(ctx, workflowKey(wf.ID), data, workflowRetention)
		pipe.SRem(ctx, activeWorkflowsKey, wf.ID)
	case wf.Status == domain.WorkflowPaused:
		pipe.Set(ctx, workflowKey(wf.ID), data, 0)
		pipe.SRem(ctx, activeWorkflowsKey, wf.ID)
	default:
		pipe.Set(ctx, workflowKey(wf.ID), data, 0)
		pipe.SAdd(ctx, activeWorkflowsKey, wf.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *workflowStore) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.WorkflowNotFoundError{WorkflowID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("redis get workflow %s: %w", id, err)
	}
	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &wf, nil
}

func (s *workflowStore) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeWorkflowsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list active workflows: %w", err)
	}
	return ids, nil
}

func (s *workflowStore) RequestCancel(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, workflowCancelKey(id), "1", workflowRetention).Err(); err != nil {
		return fmt.Errorf("redis request cancel of workflow %s: %w", id, err)
	}
	return nil
}

func (s *workflowStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, workflowCancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis cancel flag of workflow %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *workflowStore) RequestPause(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, workflowPauseKey(id), "1", workflowRetention).Err(); err != nil {
		return fmt.Errorf("redis request pause of workflow %s: %w", id, err)
	}
	return nil
}

func (s *workflowStore) PauseRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, workflowPauseKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis pause flag of workflow %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *workflowStore) ClearPause(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, workflowPauseKey(id)).Err(); err != nil {
		return fmt.Errorf("redis clear pause of workflow %s: %w", id, err)
	}
	return nil
}
