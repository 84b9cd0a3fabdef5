package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

const (
	resultTTL   = 24 * time.Hour
	progressTTL = time.Hour
)

// StateStore reads and writes the per-task records that live next to the
// queue: the task hash, the latest result and the latest progress report.
type StateStore interface {
	SetStatus(ctx context.Context, taskID string, status domain.Status) error
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	SetResult(ctx context.Context, result *domain.TaskResult, ttl time.Duration) error
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)
	SetProgress(ctx context.Context, taskID string, p domain.Progress) error
	GetProgress(ctx context.Context, taskID string) (*domain.Progress, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// setStatusScript only touches existing records so a late status write never
// resurrects a task whose record already expired.
var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

func (s *stateStore) SetStatus(ctx context.Context, taskID string, status domain.Status) error {
	n, err := setStatusScript.Run(ctx, s.client, []string{taskKey(taskID)}, string(status)).Int()
	if err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	if n == 0 {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	return nil
}

func (s *stateStore) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.HGet(ctx, taskKey(taskID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get task %s: %w", taskID, err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	redeliveries, _ := strconv.Atoi(fields["redeliveries"])
	return &domain.TaskRecord{
		Task:         &task,
		Status:       domain.Status(fields["status"]),
		Queue:        fields["queue"],
		WorkerID:     fields["worker_id"],
		Redeliveries: redeliveries,
	}, nil
}

func (s *stateStore) SetResult(ctx context.Context, result *domain.TaskResult, ttl time.Duration) error {
	if ttl == 0 {
		ttl = resultTTL
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", result.TaskID, err)
	}
	if err := s.client.Set(ctx, resultKey(result.TaskID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set result for %s: %w", result.TaskID, err)
	}
	return nil
}

func (s *stateStore) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	data, err := s.client.Get(ctx, resultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get result for %s: %w", taskID, err)
	}
	var result domain.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result for %s: %w", taskID, err)
	}
	return &result, nil
}

func (s *stateStore) SetProgress(ctx context.Context, taskID string, p domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress for %s: %w", taskID, err)
	}
	if err := s.client.Set(ctx, progressKey(taskID), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("redis set progress for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetProgress(ctx context.Context, taskID string) (*domain.Progress, error) {
	data, err := s.client.Get(ctx, progressKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get progress for %s: %w", taskID, err)
	}
	var p domain.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal progress for %s: %w", taskID, err)
	}
	return &p, nil
}
