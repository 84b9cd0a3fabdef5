// Package saga runs ordered steps with compensating actions. When a step
// fails, the steps that completed before it are undone in reverse order.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

// Context is shared by every step of one run.
type Context struct {
	SharedData  map[string]any
	StepResults map[string]any
}

// NewContext returns a Context seeded with shared.
func NewContext(shared map[string]any) *Context {
	if shared == nil {
		shared = make(map[string]any)
	}
	return &Context{SharedData: shared, StepResults: make(map[string]any)}
}

// Step is one forward action and its undo.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc *Context) (any, error)
	Compensate(ctx context.Context, sc *Context) error
}

type funcStep struct {
	name       string
	execute    func(context.Context, *Context) (any, error)
	compensate func(context.Context, *Context) error
}

// NewStep builds a Step from functions. A nil compensate makes the step
// a no-op on rollback.
func NewStep(name string, execute func(context.Context, *Context) (any, error), compensate func(context.Context, *Context) error) Step {
	return &funcStep{name: name, execute: execute, compensate: compensate}
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context, sc *Context) (any, error) {
	return s.execute(ctx, sc)
}

func (s *funcStep) Compensate(ctx context.Context, sc *Context) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx, sc)
}

// CompensationHandler replaces per-step compensation for a whole saga, for
// example to refund several payments in one batch. completed is in
// execution order.
type CompensationHandler interface {
	Compensate(ctx context.Context, sc *Context, failed Step, completed []Step) error
}

// CompensationHandlerFunc adapts a function to CompensationHandler.
type CompensationHandlerFunc func(ctx context.Context, sc *Context, failed Step, completed []Step) error

func (f CompensationHandlerFunc) Compensate(ctx context.Context, sc *Context, failed Step, completed []Step) error {
	return f(ctx, sc, failed, completed)
}

// Archiver keeps finished runs. postgres.AuditRepository satisfies it.
type Archiver interface {
	RecordSagaRun(ctx context.Context, run *domain.SagaRun) error
}

const handlerStepName = "compensation_handler"

// Saga is a reusable definition; each Run gets its own record.
type Saga struct {
	name    string
	steps   []Step
	handler CompensationHandler
	store   redisstore.SagaStore
	archive Archiver
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Saga.
type Option func(*Saga)

// WithCompensationHandler takes over the whole rollback.
func WithCompensationHandler(h CompensationHandler) Option {
	return func(s *Saga) { s.handler = h }
}

// WithStore persists the run record after every step transition.
func WithStore(st redisstore.SagaStore) Option { return func(s *Saga) { s.store = st } }

// WithArchive records finished runs in the audit trail.
func WithArchive(a Archiver) Option { return func(s *Saga) { s.archive = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Saga) { s.logger = l } }

// New returns a saga. Step names must be unique and non-empty.
func New(name string, steps []Step, opts ...Option) (*Saga, error) {
	if len(steps) == 0 {
		return nil, errors.New("saga has no steps")
	}
	seen := make(map[string]bool, len(steps))
	for _, st := range steps {
		if st == nil || st.Name() == "" {
			return nil, fmt.Errorf("saga %s: step without a name", name)
		}
		if seen[st.Name()] {
			return nil, fmt.Errorf("saga %s: duplicate step %q", name, st.Name())
		}
		seen[st.Name()] = true
	}
	s := &Saga{
		name:   name,
		steps:  steps,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes the steps in order. The first failure stops the forward pass
// and triggers compensation of the steps that completed. It returns the run
// record together with:
//
//   - nil when every step completed,
//   - a *domain.StepFailureError when a step failed and the rollback
//     succeeded,
//   - a *domain.SagaCompensationError when the rollback itself failed. The
//     run is then left in compensation_failed for an operator.
func (s *Saga) Run(ctx context.Context, sc *Context) (*domain.SagaRun, error) {
	if sc == nil {
		sc = NewContext(nil)
	}
	if sc.StepResults == nil {
		sc.StepResults = make(map[string]any)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate saga id: %w", err)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.name", s.name),
		attribute.String("saga.id", id.String()),
	))
	defer span.End()

	run := &domain.SagaRun{
		ID:        id.String(),
		Name:      s.name,
		Status:    domain.SagaRunning,
		Steps:     make([]domain.SagaStepState, len(s.steps)),
		StartedAt: s.now(),
	}
	for i, st := range s.steps {
		run.Steps[i] = domain.SagaStepState{Name: st.Name(), Status: domain.StepPending}
	}
	log := s.logger.With(slog.String("saga", s.name), slog.String("saga_id", run.ID))
	s.persist(ctx, run, log)

	var completed []int
	for i, st := range s.steps {
		state := &run.Steps[i]
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, run, sc, i, completed, fmt.Errorf("saga interrupted: %w", err), log)
		}

		state.Status = domain.StepRunning
		s.persist(ctx, run, log)

		result, err := s.execute(ctx, st, sc)
		if err != nil {
			return s.fail(ctx, run, sc, i, completed, err, log)
		}

		state.Status = domain.StepCompleted
		if raw, err := json.Marshal(result); err == nil {
			state.Result = raw
		}
		sc.StepResults[st.Name()] = result
		completed = append(completed, i)
		s.persist(ctx, run, log)
	}

	s.finish(ctx, run, domain.SagaCompleted, log)
	log.Info("saga completed")
	return run, nil
}

func (s *Saga) execute(ctx context.Context, st Step, sc *Context) (result any, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.step", st.Name()),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", st.Name(), r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return st.Execute(ctx, sc)
}

// fail records the failure of step i and rolls back the completed steps.
// Compensation runs even when ctx is already cancelled.
func (s *Saga) fail(ctx context.Context, run *domain.SagaRun, sc *Context, i int, completed []int, cause error, log *slog.Logger) (*domain.SagaRun, error) {
	failed := s.steps[i]
	run.Steps[i].Status = domain.StepFailed
	run.Steps[i].Error = cause.Error()
	run.FailedStep = failed.Name()
	run.Error = cause.Error()
	run.Status = domain.SagaCompensating
	log.Warn("saga step failed, compensating",
		slog.String("step", failed.Name()),
		slog.Int("completed_steps", len(completed)),
		slog.String("error", cause.Error()),
	)

	cctx := context.WithoutCancel(ctx)
	s.persist(cctx, run, log)

	if s.handler != nil {
		steps := make([]Step, len(completed))
		for j, idx := range completed {
			steps[j] = s.steps[idx]
		}
		if err := s.handler.Compensate(cctx, sc, failed, steps); err != nil {
			return run, s.compensationFailed(cctx, run, handlerStepName, err, log)
		}
		for _, idx := range completed {
			run.Steps[idx].Compensated = true
		}
	} else {
		for j := len(completed) - 1; j >= 0; j-- {
			idx := completed[j]
			if run.Steps[idx].Compensated {
				continue
			}
			st := s.steps[idx]
			if err := s.compensate(cctx, st, sc); err != nil {
				return run, s.compensationFailed(cctx, run, st.Name(), err, log)
			}
			run.Steps[idx].Compensated = true
			s.persist(cctx, run, log)
			log.Info("saga step compensated", slog.String("step", st.Name()))
		}
	}

	s.finish(cctx, run, domain.SagaCompensated, log)
	log.Info("saga compensated", slog.String("failed_step", failed.Name()))
	return run, &domain.StepFailureError{StepID: failed.Name(), Err: cause}
}

func (s *Saga) compensate(ctx context.Context, st Step, sc *Context) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.step", st.Name()),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation of %s panicked: %v", st.Name(), r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return st.Compensate(ctx, sc)
}

// compensationFailed parks the run for manual recovery. It is never retried.
func (s *Saga) compensationFailed(ctx context.Context, run *domain.SagaRun, step string, err error, log *slog.Logger) error {
	run.Error = fmt.Sprintf("%s; compensation of %s failed: %v", run.Error, step, err)
	s.finish(ctx, run, domain.SagaCompensationFailed, log)
	telemetry.SagaCompensationFailures.WithLabelValues(s.name, step).Inc()
	log.Error("saga compensation failed, manual intervention required",
		slog.String("step", step),
		slog.String("failed_step", run.FailedStep),
		slog.String("error", err.Error()),
		slog.Bool("alert", true),
	)
	return &domain.SagaCompensationError{SagaID: run.ID, Step: step, Err: err}
}

func (s *Saga) finish(ctx context.Context, run *domain.SagaRun, status domain.SagaStatus, log *slog.Logger) {
	now := s.now()
	run.Status = status
	run.CompletedAt = &now
	telemetry.SagaOutcomes.WithLabelValues(s.name, string(status)).Inc()
	s.persist(ctx, run, log)
	if s.archive != nil {
		if err := s.archive.RecordSagaRun(ctx, run); err != nil {
			log.Warn("archive saga run failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Saga) persist(ctx context.Context, run *domain.SagaRun, log *slog.Logger) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, run); err != nil {
		log.Warn("persist saga run failed", slog.String("error", err.Error()))
	}
}
