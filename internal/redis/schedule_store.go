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

// ScheduleStore persists scheduled tasks and the task ids each one has in
// flight. Schedule records are the durable source of truth for the
// scheduler; leadership carries no state.
type ScheduleStore interface {
	Save(ctx context.Context, s *domain.ScheduledTask) error
	RecordRun(ctx context.Context, id string, p ScheduleProgress) (*domain.ScheduledTask, error)
	Get(ctx context.Context, id string) (*domain.ScheduledTask, error)
	List(ctx context.Context) ([]*domain.ScheduledTask, error)
	Delete(ctx context.Context, id string) error
	AddInstance(ctx context.Context, scheduleID, taskID string) error
	Instances(ctx context.Context, scheduleID string) ([]string, error)
	RemoveInstances(ctx context.Context, scheduleID string, taskIDs ...string) error
}

// ScheduleProgress is the part of a schedule record the scheduler owns.
// Everything else belongs to the schedule API.
type ScheduleProgress struct {
	NextRun      *time.Time
	LastRun      *time.Time
	RunCount     int64
	FailureCount int64
	UpdatedAt    time.Time
}

const recordRunAttempts = 5

type scheduleStore struct {
	client *redis.Client
}

// NewScheduleStore creates a Redis-backed ScheduleStore.
func NewScheduleStore(client *redis.Client) ScheduleStore {
	return &scheduleStore{client: client}
}

func (s *scheduleStore) Save(ctx context.Context, sched *domain.ScheduledTask) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", sched.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(sched.ID), data, 0)
	pipe.SAdd(ctx, schedulesKey, sched.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save schedule %s: %w", sched.ID, err)
	}
	return nil
}

// RecordRun applies p to the stored record under WATCH, leaving the
// definition and the enabled flag as they are in Redis. A schedule deleted
// in the meantime stays deleted and yields *domain.ScheduleNotFoundError.
func (s *scheduleStore) RecordRun(ctx context.Context, id string, p ScheduleProgress) (*domain.ScheduledTask, error) {
	key := scheduleKey(id)
	var updated *domain.ScheduledTask
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return &domain.ScheduleNotFoundError{ScheduleID: id}
		}
		if err != nil {
			return fmt.Errorf("redis get schedule %s: %w", id, err)
		}
		var sched domain.ScheduledTask
		if err := json.Unmarshal(data, &sched); err != nil {
			return fmt.Errorf("unmarshal schedule %s: %w", id, err)
		}
		sched.NextRun = p.NextRun
		sched.LastRun = p.LastRun
		sched.RunCount = p.RunCount
		sched.FailureCount = p.FailureCount
		sched.UpdatedAt = p.UpdatedAt
		out, err := json.Marshal(&sched)
		if err != nil {
			return fmt.Errorf("marshal schedule %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &sched
		return nil
	}

	for range recordRunAttempts {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("record run of schedule %s: %w", id, redis.TxFailedErr)
}

func (s *scheduleStore) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	data, err := s.client.Get(ctx, scheduleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.ScheduleNotFoundError{ScheduleID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("redis get schedule %s: %w", id, err)
	}
	var sched domain.ScheduledTask
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("unmarshal schedule %s: %w", id, err)
	}
	return &sched, nil
}

func (s *scheduleStore) List(ctx context.Context) ([]*domain.ScheduledTask, error) {
	ids, err := s.client.SMembers(ctx, schedulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list schedules: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = scheduleKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read schedules: %w", err)
	}
	out := make([]*domain.ScheduledTask, 0, len(raw))
	for _, r := range raw {
		str, ok := r.(string)
		if !ok {
			continue
		}
		var sched domain.ScheduledTask
		if err := json.Unmarshal([]byte(str), &sched); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		out = append(out, &sched)
	}
	return out, nil
}

func (s *scheduleStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, scheduleKey(id))
	pipe.Del(ctx, scheduleInstancesKey(id))
	pipe.SRem(ctx, schedulesKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete schedule %s: %w", id, err)
	}
	if del.Val() == 0 {
		return &domain.ScheduleNotFoundError{ScheduleID: id}
	}
	return nil
}

func (s *scheduleStore) AddInstance(ctx context.Context, scheduleID, taskID string) error {
	if err := s.client.SAdd(ctx, scheduleInstancesKey(scheduleID), taskID).Err(); err != nil {
		return fmt.Errorf("redis add instance to %s: %w", scheduleID, err)
	}
	return nil
}

func (s *scheduleStore) Instances(ctx context.Context, scheduleID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, scheduleInstancesKey(scheduleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list instances of %s: %w", scheduleID, err)
	}
	return ids, nil
}

func (s *scheduleStore) RemoveInstances(ctx context.Context, scheduleID string, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	members := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		members[i] = id
	}
	if err := s.client.SRem(ctx, scheduleInstancesKey(scheduleID), members...).Err(); err != nil {
		return fmt.Errorf("redis remove instances of %s: %w", scheduleID, err)
	}
	return nil
}
