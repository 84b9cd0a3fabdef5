// Package engine runs a single execution attempt of a task: it resolves the
// function, enforces the timeout, captures the outcome and persists it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

const (
	defaultResultTTL = 24 * time.Hour
	idempotencyTTL   = 24 * time.Hour
	persistTimeout   = 5 * time.Second
)

// ErrPanic is wrapped into the error of an attempt whose function panicked.
var ErrPanic = errors.New("task function panicked")

// CancelledError is returned when the caller cancelled the attempt. Cause is
// the cancellation cause of the caller's context.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string { return "task attempt cancelled: " + e.Cause.Error() }

func (e *CancelledError) Unwrap() error { return e.Cause }

// Engine executes tasks against a function registry.
type Engine struct {
	registry *handlers.Registry
	store    redisstore.StateStore

	idem      redisstore.IdempotencyStore
	notifier  Notifier
	producer  kafka.Producer
	audit     postgres.AuditRepository
	logger    *slog.Logger
	resultTTL time.Duration
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdempotency caches completed results under the task's idempotency key.
func WithIdempotency(s redisstore.IdempotencyStore) Option {
	return func(e *Engine) { e.idem = s }
}

// WithNotifier sets the webhook notifier. Defaults to an HTTPNotifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventProducer publishes lifecycle events to Kafka.
func WithEventProducer(p kafka.Producer) Option {
	return func(e *Engine) { e.producer = p }
}

// WithAudit archives every attempt to Postgres.
func WithAudit(r postgres.AuditRepository) Option {
	return func(e *Engine) { e.audit = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithResultTTL sets how long results are retained.
func WithResultTTL(d time.Duration) Option {
	return func(e *Engine) { e.resultTTL = d }
}

// New creates an Engine.
func New(registry *handlers.Registry, store redisstore.StateStore, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		notifier:  NewHTTPNotifier(10 * time.Second),
		logger:    slog.Default(),
		resultTTL: defaultResultTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs one attempt of task and returns its result. The result is
// always persisted before Execute returns. The returned error is nil on
// success and otherwise classifies the failure: UnregisteredFunctionError,
// TaskTimeoutError, TaskExecutionError, or CancelledError.
func (e *Engine) Execute(ctx context.Context, task *domain.Task, workerID string) (*domain.TaskResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.function", task.FunctionName),
		attribute.Int("task.retry_count", task.RetryCount),
	)

	log := e.logger.With(
		slog.String("task_id", task.ID),
		slog.String("function", task.FunctionName),
		slog.String("worker_id", workerID),
	)

	if cached := e.cachedResult(ctx, task, log); cached != nil {
		log.Info("idempotency key already completed, reusing result")
		e.persist(ctx, cached, log)
		return cached, nil
	}

	started := e.now()
	value, err := e.invoke(ctx, task)
	res := e.buildResult(task, workerID, started, value, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Status))
		log.Warn("task attempt failed",
			slog.String("status", string(res.Status)),
			slog.Duration("duration", res.ExecutionTime),
			slog.String("error", res.Error),
		)
	} else {
		log.Info("task attempt completed", slog.Duration("duration", res.ExecutionTime))
	}

	telemetry.EngineExecutionsTotal.WithLabelValues(task.FunctionName, string(res.Status)).Inc()
	telemetry.EngineDurationSeconds.WithLabelValues(task.FunctionName).Observe(res.ExecutionTime.Seconds())

	e.persist(ctx, res, log)
	if res.Status == domain.StatusCompleted {
		e.cacheResult(ctx, task, res, log)
	}
	e.afterPersist(ctx, task, res, log)
	return res, err
}

// invoke resolves and calls the function, bounded by the task timeout.
func (e *Engine) invoke(ctx context.Context, task *domain.Task) (any, error) {
	h, err := e.registry.Get(task.FunctionName)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc = func() {}
	if task.Config.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, task.Config.Timeout)
	}
	defer cancel()

	inv := handlers.NewInvocation(task, e.progressFunc(task.ID))

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())}
			}
		}()
		v, err := h.Handle(execCtx, inv)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.value, nil
		}
		if ctx.Err() != nil {
			return nil, &CancelledError{Cause: context.Cause(ctx)}
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TaskTimeoutError{TaskID: task.ID, Timeout: task.Config.Timeout}
		}
		return nil, &domain.TaskExecutionError{TaskID: task.ID, Err: out.err}
	case <-execCtx.Done():
		// The function ignored cancellation; its goroutine is abandoned and
		// its eventual result dropped into the buffered channel.
		if ctx.Err() != nil {
			return nil, &CancelledError{Cause: context.Cause(ctx)}
		}
		return nil, &domain.TaskTimeoutError{TaskID: task.ID, Timeout: task.Config.Timeout}
	}
}

func (e *Engine) progressFunc(taskID string) handlers.ProgressFunc {
	return func(ctx context.Context, pct float64, msg string) error {
		pct = min(max(pct, 0), 100)
		return e.store.SetProgress(ctx, taskID, domain.Progress{
			Percentage: pct,
			Message:    msg,
			UpdatedAt:  e.now(),
		})
	}
}

func (e *Engine) buildResult(task *domain.Task, workerID string, started time.Time, value any, err error) *domain.TaskResult {
	completed := e.now()
	res := &domain.TaskResult{
		TaskID:        task.ID,
		TaskName:      task.Name,
		ExecutionTime: completed.Sub(started),
		RetryCount:    task.RetryCount,
		WorkerID:      workerID,
		TenantID:      task.TenantID,
		CorrelationID: task.CorrelationID,
		StartedAt:     started,
		CompletedAt:   completed,
	}
	if res.TaskName == "" {
		res.TaskName = task.FunctionName
	}

	if err == nil {
		raw, merr := marshalResult(value)
		if merr == nil {
			res.Status = domain.StatusCompleted
			res.Result = raw
			return res
		}
		err = domain.Permanent(&domain.TaskExecutionError{TaskID: task.ID, Err: merr})
	}

	var (
		timeout   *domain.TaskTimeoutError
		cancelled *CancelledError
	)
	switch {
	case errors.As(err, &timeout):
		res.Status = domain.StatusTimeout
	case errors.As(err, &cancelled):
		res.Status = domain.StatusCancelled
	default:
		res.Status = domain.StatusFailed
	}
	res.Error = err.Error()
	res.Retryable = res.Status != domain.StatusCancelled && domain.IsRetryable(err)
	res.ErrorDetails = map[string]any{
		"type":      errorType(err),
		"retryable": res.Retryable,
	}
	return res
}

func marshalResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}
	return json.Marshal(v)
}

// errorType names the innermost meaningful error type for error_details.
func errorType(err error) string {
	var exec *domain.TaskExecutionError
	if errors.As(err, &exec) {
		err = exec.Err
	}
	for {
		var nr *domain.NonRetryableError
		if !errors.As(err, &nr) {
			break
		}
		err = nr.Err
	}
	return fmt.Sprintf("%T", err)
}

// persist writes the result with a context that survives the caller's
// cancellation, so shutdown and timeouts still record an outcome.
func (e *Engine) persist(ctx context.Context, res *domain.TaskResult, log *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.SetResult(pctx, res, e.resultTTL); err != nil {
		log.Error("persist result failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) cachedResult(ctx context.Context, task *domain.Task, log *slog.Logger) *domain.TaskResult {
	if e.idem == nil || task.IdempotencyKey == "" {
		return nil
	}
	raw, found, err := e.idem.Get(ctx, resultCacheKey(task))
	if err != nil {
		log.Warn("idempotency lookup failed", slog.String("error", err.Error()))
		return nil
	}
	if !found {
		return nil
	}
	var res domain.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Warn("idempotency cache corrupt", slog.String("error", err.Error()))
		return nil
	}
	res.TaskID = task.ID
	return &res
}

func (e *Engine) cacheResult(ctx context.Context, task *domain.Task, res *domain.TaskResult, log *slog.Logger) {
	if e.idem == nil || task.IdempotencyKey == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := e.idem.Put(context.WithoutCancel(ctx), resultCacheKey(task), raw, idempotencyTTL); err != nil {
		log.Warn("idempotency cache write failed", slog.String("error", err.Error()))
	}
}

func resultCacheKey(task *domain.Task) string {
	return "result:" + task.FunctionName + ":" + task.IdempotencyKey
}

// afterPersist runs the best-effort side effects. None of them can change
// the outcome of the attempt.
func (e *Engine) afterPersist(ctx context.Context, task *domain.Task, res *domain.TaskResult, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if task.WebhookURL != "" && e.notifier != nil {
		if err := e.notifier.Notify(ctx, task.WebhookURL, NewWebhookPayload(res)); err != nil {
			telemetry.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			log.Warn("webhook delivery failed",
				slog.String("url", task.WebhookURL),
				slog.String("error", err.Error()),
			)
		} else {
			telemetry.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}

	if e.producer != nil {
		ev := kafka.ResultEvent(res, task.FunctionName)
		ev.Queue = task.EffectiveQueue()
		if err := kafka.PublishJSON(ctx, e.producer, kafka.TopicEvents, task.ID, ev); err != nil {
			log.Warn("publish task event failed", slog.String("error", err.Error()))
		}
	}

	if e.audit != nil {
		if err := e.audit.RecordExecution(ctx, res); err != nil {
			log.Warn("audit execution failed", slog.String("error", err.Error()))
		}
	}
}
