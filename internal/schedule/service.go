package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
)

// Service validates and stores schedule definitions. The scheduler picks
// changes up on its next refresh.
type Service struct {
	store  redisstore.ScheduleStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store redisstore.ScheduleStore, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates st, fills defaults, computes its first run and stores
// it. An invalid expression or timezone is a *domain.CronExpressionInvalidError.
func (s *Service) Create(ctx context.Context, st *domain.ScheduledTask) (*domain.ScheduledTask, error) {
	if st.FunctionName == "" {
		return nil, &domain.InvalidArgumentsError{Err: errors.New("function_name is required")}
	}
	if st.Schedule.OverlapPolicy == "" {
		st.Schedule.OverlapPolicy = domain.OverlapSkip
	}
	if !st.Schedule.OverlapPolicy.Valid() {
		return nil, &domain.InvalidArgumentsError{
			FunctionName: st.FunctionName,
			Err:          fmt.Errorf("unknown overlap_policy %q", st.Schedule.OverlapPolicy),
		}
	}
	if st.Schedule.MaxInstances <= 0 {
		st.Schedule.MaxInstances = 1
	}
	if st.Schedule.Jitter < 0 {
		st.Schedule.Jitter = 0
	}

	now := s.now()
	next, err := NextRunWithJitter(st.Schedule, now)
	if err != nil {
		return nil, err
	}
	if st.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate schedule id: %w", err)
		}
		st.ID = id.String()
	}
	if st.Name == "" {
		st.Name = st.FunctionName
	}
	st.NextRun = &next
	st.LastRun = nil
	st.RunCount, st.FailureCount = 0, 0
	st.CreatedAt, st.UpdatedAt = now, now

	if err := s.store.Save(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		slog.String("schedule_id", st.ID),
		slog.String("function", st.FunctionName),
		slog.String("expression", st.Schedule.Expression),
		slog.Time("next_run", next),
	)
	return st, nil
}

// SetEnabled pauses or resumes a schedule. Resuming recomputes the next
// run from now so missed occurrences are not replayed.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*domain.ScheduledTask, error) {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Schedule.Enabled == enabled {
		return st, nil
	}
	now := s.now()
	st.Schedule.Enabled = enabled
	if enabled {
		next, err := NextRunWithJitter(st.Schedule, now)
		if err != nil {
			return nil, err
		}
		st.NextRun = &next
	}
	st.UpdatedAt = now
	if err := s.store.Save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	return s.store.Get(ctx, id)
}

// List returns every schedule.
func (s *Service) List(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.store.List(ctx)
}

// Delete removes a schedule and its instance tracking. Tasks already
// dispatched keep running.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("schedule deleted", slog.String("schedule_id", id))
	return nil
}
