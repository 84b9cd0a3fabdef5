// Package scheduler dispatches cron schedules. Every instance keeps a cache
// of the schedule records; only the instance holding the leader lease
// enqueues due occurrences.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/schedule"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

const (
	defaultLeaderTTL     = 30 * time.Second
	defaultCheckInterval = 15 * time.Second
)

// occurrenceNamespace scopes the deterministic ids of dispatched tasks.
var occurrenceNamespace = uuid.MustParse("6f1c1c2e-4b7a-4d44-9a51-3f0c6f3b9e10")

// TaskClient is what the scheduler needs from the task API. *client.Client
// satisfies it.
type TaskClient interface {
	Enqueue(ctx context.Context, req client.EnqueueRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	Cancel(ctx context.Context, taskID string) (domain.Status, error)
}

// Scheduler fires cron schedules with Redis leader election.
type Scheduler struct {
	store      redisstore.ScheduleStore
	lease      redisstore.Lease
	tasks      TaskClient
	instanceID string
	leaderTTL  time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	cache  map[string]*domain.ScheduledTask
	leader bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeaderTTL sets the leader lease duration. It is renewed on every check.
func WithLeaderTTL(d time.Duration) Option { return func(s *Scheduler) { s.leaderTTL = d } }

// WithCheckInterval sets how often schedules are evaluated.
func WithCheckInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler creates a Scheduler identified by instanceID in the leader
// lease.
func NewScheduler(store redisstore.ScheduleStore, lease redisstore.Lease, tasks TaskClient, instanceID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		lease:      lease,
		tasks:      tasks,
		instanceID: instanceID,
		leaderTTL:  defaultLeaderTTL,
		interval:   defaultCheckInterval,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		cache:      make(map[string]*domain.ScheduledTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks schedules every interval until ctx is cancelled, then gives up
// leadership.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.resign()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick refreshes the schedule cache, renews or contests leadership and, on
// the leader, dispatches every due schedule.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.refresh(ctx); err != nil {
		s.logger.Warn("refresh schedules failed, using cached copy", slog.String("error", err.Error()))
	}
	if !s.elect(ctx) {
		return
	}
	now := s.now()
	for _, st := range s.due(now) {
		if ctx.Err() != nil {
			return
		}
		if err := s.dispatch(ctx, st, now); err != nil {
			s.logger.Error("dispatch schedule failed",
				slog.String("schedule_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// IsLeader reports whether the last check won leadership.
func (s *Scheduler) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

// Schedules returns the cached schedules sorted by id.
func (s *Scheduler) Schedules() []*domain.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ScheduledTask, 0, len(s.cache))
	for _, id := range slices.Sorted(maps.Keys(s.cache)) {
		cp := *s.cache[id]
		out = append(out, &cp)
	}
	return out
}

func (s *Scheduler) refresh(ctx context.Context) error {
	all, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]*domain.ScheduledTask, len(all))
	for _, st := range all {
		cache[st.ID] = st
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// elect acquires or renews the leader lease. Any error demotes this
// instance; callers never see it.
func (s *Scheduler) elect(ctx context.Context) bool {
	held, err := s.lease.Acquire(ctx, redisstore.LeaderKey, s.instanceID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leader election failed", slog.String("error", err.Error()))
		held = false
	}

	s.mu.Lock()
	was := s.leader
	s.leader = held
	s.mu.Unlock()

	switch {
	case held && !was:
		s.logger.Info("acquired scheduler leadership", slog.String("instance_id", s.instanceID))
		telemetry.SchedulerLeader.Set(1)
	case !held && was:
		s.logger.Warn("lost scheduler leadership", slog.String("instance_id", s.instanceID))
		telemetry.SchedulerLeader.Set(0)
	}
	return held
}

func (s *Scheduler) resign() {
	if !s.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.lease.Release(ctx, redisstore.LeaderKey, s.instanceID); err != nil {
		s.logger.Warn("release leadership failed", slog.String("error", err.Error()))
	}
	s.mu.Lock()
	s.leader = false
	s.mu.Unlock()
	telemetry.SchedulerLeader.Set(0)
}

func (s *Scheduler) due(now time.Time) []*domain.ScheduledTask {
	var out []*domain.ScheduledTask
	for _, st := range s.Schedules() {
		if schedule.IsDue(st, now) {
			out = append(out, st)
		}
	}
	return out
}

// dispatch enqueues one occurrence of st according to its overlap policy and
// advances the schedule. The task id is derived from the schedule and the
// occurrence, so a leader that crashes after enqueueing but before saving
// cannot make its successor dispatch the same occurrence twice.
func (s *Scheduler) dispatch(ctx context.Context, st *domain.ScheduledTask, now time.Time) error {
	log := s.logger.With(slog.String("schedule_id", st.ID), slog.String("schedule", st.Name))
	occurrence := *st.NextRun

	running, err := s.liveInstances(ctx, st.ID)
	if err != nil {
		return err
	}

	switch st.Schedule.OverlapPolicy {
	case domain.OverlapAllow:
	case domain.OverlapReplace:
		for _, id := range running {
			if _, err := s.tasks.Cancel(ctx, id); err != nil {
				log.Warn("cancel replaced instance failed", slog.String("task_id", id), slog.String("error", err.Error()))
			}
		}
		if err := s.store.RemoveInstances(ctx, st.ID, running...); err != nil {
			return err
		}
	default:
		if len(running) >= max(st.Schedule.MaxInstances, 1) {
			telemetry.SchedulerSkippedTotal.WithLabelValues(st.Name, "max_instances").Inc()
			log.Info("occurrence skipped, instances still running",
				slog.Int("running", len(running)),
				slog.Time("occurrence", occurrence),
			)
			return s.advance(ctx, st, now)
		}
	}

	cfg := st.Config
	cfg.Tags = append(slices.Clone(cfg.Tags), "scheduled")
	cfg.Metadata = maps.Clone(cfg.Metadata)
	if cfg.Metadata == nil {
		cfg.Metadata = make(map[string]string, 2)
	}
	cfg.Metadata["schedule_id"] = st.ID
	cfg.Metadata["occurrence"] = occurrence.Format(time.RFC3339)

	taskID := uuid.NewSHA1(occurrenceNamespace, []byte(st.ID+"|"+occurrence.UTC().Format(time.RFC3339Nano))).String()
	id, err := s.tasks.Enqueue(ctx, client.EnqueueRequest{
		TaskID:        taskID,
		Name:          st.Name,
		FunctionName:  st.FunctionName,
		Args:          st.Args,
		Kwargs:        st.Kwargs,
		Config:        cfg,
		TenantID:      st.TenantID,
		CorrelationID: st.ID,
	})
	if err != nil {
		st.FailureCount++
		telemetry.SchedulerFailuresTotal.WithLabelValues(st.Name).Inc()
		log.Error("enqueue scheduled task failed",
			slog.Time("occurrence", occurrence),
			slog.Int64("failure_count", st.FailureCount),
			slog.String("error", err.Error()),
		)
		return s.advance(ctx, st, now)
	}

	if err := s.store.AddInstance(ctx, st.ID, id); err != nil {
		log.Warn("track instance failed", slog.String("task_id", id), slog.String("error", err.Error()))
	}
	st.RunCount++
	st.LastRun = &now
	telemetry.SchedulerDispatchedTotal.WithLabelValues(st.Name).Inc()
	log.Info("scheduled task dispatched",
		slog.String("task_id", id),
		slog.String("function", st.FunctionName),
		slog.Time("occurrence", occurrence),
	)
	return s.advance(ctx, st, now)
}

// advance moves NextRun past now, skipping occurrences missed while no
// leader was running, and records the run progress. Pause and delete calls
// that landed during the dispatch are kept; a deleted schedule is dropped
// from the cache.
func (s *Scheduler) advance(ctx context.Context, st *domain.ScheduledTask, now time.Time) error {
	next, err := schedule.NextRunWithJitter(st.Schedule, now)
	if err != nil {
		return err
	}
	stored, err := s.store.RecordRun(ctx, st.ID, redisstore.ScheduleProgress{
		NextRun:      &next,
		LastRun:      st.LastRun,
		RunCount:     st.RunCount,
		FailureCount: st.FailureCount,
		UpdatedAt:    now,
	})
	var notFound *domain.ScheduleNotFoundError
	if errors.As(err, &notFound) {
		s.mu.Lock()
		delete(s.cache, st.ID)
		s.mu.Unlock()
		s.logger.Info("schedule deleted during dispatch", slog.String("schedule_id", st.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", st.ID, err)
	}
	s.mu.Lock()
	s.cache[st.ID] = stored
	s.mu.Unlock()
	return nil
}

// liveInstances returns the tracked task ids of a schedule that are still
// pending or running, and forgets the rest.
func (s *Scheduler) liveInstances(ctx context.Context, scheduleID string) ([]string, error) {
	ids, err := s.store.Instances(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	var live, finished []string
	for _, id := range ids {
		rec, err := s.tasks.GetTask(ctx, id)
		var notFound *domain.TaskNotFoundError
		switch {
		case errors.As(err, &notFound):
			finished = append(finished, id)
		case err != nil:
			return nil, err
		case rec.Status.IsTerminal():
			finished = append(finished, id)
		default:
			live = append(live, id)
		}
	}
	if err := s.store.RemoveInstances(ctx, scheduleID, finished...); err != nil {
		return nil, err
	}
	return live, nil
}
