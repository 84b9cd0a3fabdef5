package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/engine"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/retry"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

var (
	// ErrRestartRequested is returned by Run when the worker hit its task or
	// memory ceiling and wants to be replaced.
	ErrRestartRequested = errors.New("worker restart requested")

	// ErrCancelRequested is the cancellation cause of a task an operator
	// cancelled while it was running.
	ErrCancelRequested = errors.New("task cancellation requested")

	// ErrShutdown is the cancellation cause of tasks still running when the
	// graceful shutdown window closes.
	ErrShutdown = errors.New("worker shutting down")

	errLeaseLost = errors.New("task lease lost")
)

const (
	maxConsecutivePollErrors = 5
	rateLimitBackoff         = time.Second
	defaultStopTimeout       = 30 * time.Second
	specializationScanDepth  = 16
)

// Executor runs one attempt of a task. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task, workerID string) (*domain.TaskResult, error)
}

// Worker leases tasks from its queues and executes them.
type Worker struct {
	id       string
	queue    redisstore.Queue
	store    redisstore.StateStore
	executor Executor

	queues            []string
	concurrency       int
	specialization    []string
	limiter           redisstore.RateLimiter
	maxTasks          int64
	maxMemoryMB       float64
	heartbeats        redisstore.HeartbeatStore
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	cancelPoll        time.Duration
	demote            bool
	producer          kafka.Producer
	audit             postgres.AuditRepository
	logger            *slog.Logger
	hostname          string

	status    atomic.Value // domain.WorkerStatus
	inFlight  atomic.Int64
	processed atomic.Int64
	startedAt time.Time

	statsMu sync.Mutex
	stats   domain.WorkerStats

	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopCh      chan struct{}
	done        chan struct{}
	stopTimeout atomic.Int64
	restart     atomic.Bool
	cancelTasks context.CancelCauseFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithQueues sets the queues polled, in order. Defaults to "default".
func WithQueues(qs ...string) Option { return func(w *Worker) { w.queues = qs } }

// WithConcurrency sets the maximum number of simultaneously running tasks.
func WithConcurrency(n int) Option { return func(w *Worker) { w.concurrency = n } }

// WithSpecialization restricts the worker to the given function names.
// Other tasks are handed back to the queue untouched.
func WithSpecialization(functions ...string) Option {
	return func(w *Worker) { w.specialization = functions }
}

// WithRateLimiter caps how many tasks the worker starts per window.
func WithRateLimiter(l redisstore.RateLimiter) Option { return func(w *Worker) { w.limiter = l } }

// WithMaxTasks requests a restart after n processed tasks.
func WithMaxTasks(n int64) Option { return func(w *Worker) { w.maxTasks = n } }

// WithMaxMemoryMB requests a restart once the heap grows past mb.
func WithMaxMemoryMB(mb float64) Option { return func(w *Worker) { w.maxMemoryMB = mb } }

// WithHeartbeat publishes a heartbeat every interval with a TTL of three
// intervals.
func WithHeartbeat(s redisstore.HeartbeatStore, interval time.Duration) Option {
	return func(w *Worker) {
		w.heartbeats = s
		w.heartbeatInterval = interval
	}
}

// WithPollInterval sets the pause after a round over all queues found nothing.
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }

// WithCancelPollInterval sets how often a running task's cancel flag is checked.
func WithCancelPollInterval(d time.Duration) Option { return func(w *Worker) { w.cancelPoll = d } }

// WithPriorityDemotion demotes a task one tier each time it is retried.
func WithPriorityDemotion(on bool) Option { return func(w *Worker) { w.demote = on } }

// WithEventProducer mirrors dead letters to Kafka.
func WithEventProducer(p kafka.Producer) Option { return func(w *Worker) { w.producer = p } }

// WithAudit archives dead letters and final statuses to Postgres.
func WithAudit(r postgres.AuditRepository) Option { return func(w *Worker) { w.audit = r } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(
	id string,
	queue redisstore.Queue,
	store redisstore.StateStore,
	executor Executor,
	opts ...Option,
) *Worker {
	hostname, _ := os.Hostname()
	w := &Worker{
		id:                id,
		queue:             queue,
		store:             store,
		executor:          executor,
		queues:            []string{domain.DefaultQueue},
		concurrency:       1,
		pollInterval:      500 * time.Millisecond,
		cancelPoll:        time.Second,
		heartbeatInterval: 10 * time.Second,
		logger:            slog.Default(),
		hostname:          hostname,
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 10 * time.Second
	}
	w.logger = w.logger.With(slog.String("worker_id", id))
	w.status.Store(domain.WorkerStarting)
	w.stopTimeout.Store(int64(defaultStopTimeout))
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Queues returns the queues the worker polls.
func (w *Worker) Queues() []string { return slices.Clone(w.queues) }

// Status returns the current lifecycle state.
func (w *Worker) Status() domain.WorkerStatus { return w.status.Load().(domain.WorkerStatus) }

// InFlight returns the number of tasks currently executing.
func (w *Worker) InFlight() int { return int(w.inFlight.Load()) }

// Stats returns a snapshot of the cumulative counters.
func (w *Worker) Stats() domain.WorkerStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run polls and executes tasks until ctx is cancelled, Stop is called, or a
// resource ceiling is hit (ErrRestartRequested). Running tasks get the stop
// timeout to finish before they are cancelled and handed back to the queue.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	w.startedAt = time.Now().UTC()

	taskCtx, cancelTasks := context.WithCancelCause(context.WithoutCancel(ctx))
	w.cancelTasks = cancelTasks
	defer cancelTasks(ErrShutdown)

	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
		w.publishHeartbeat(context.WithoutCancel(ctx))
	}()

	w.logger.Info("worker started",
		slog.Any("queues", w.queues),
		slog.Int("concurrency", w.concurrency),
	)
	w.setStatus(domain.WorkerIdle)

	runErr := w.loop(ctx, taskCtx)

	w.setStatus(domain.WorkerStopping)
	w.drain(time.Duration(w.stopTimeout.Load()))

	if runErr != nil && !errors.Is(runErr, ErrRestartRequested) {
		w.setStatus(domain.WorkerError)
	} else {
		w.setStatus(domain.WorkerStopped)
	}
	w.logger.Info("worker stopped", slog.String("status", string(w.Status())))
	return runErr
}

// Stop asks Run to stop accepting tasks and waits until it has returned.
// Tasks still running after timeout are cancelled and requeued. Stop must
// only be called once Run has been started.
func (w *Worker) Stop(timeout time.Duration) {
	w.stopTimeout.Store(int64(timeout))
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *Worker) loop(ctx, taskCtx context.Context) error {
	slots := make(chan struct{}, w.concurrency)
	pollErrors := 0

	for {
		if w.stopping(ctx) {
			return nil
		}
		if w.restart.Load() {
			return ErrRestartRequested
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		}
		if w.restart.Load() {
			<-slots
			return ErrRestartRequested
		}

		task, err := w.poll(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			pollErrors++
			w.logger.Error("poll failed", slog.Int("consecutive", pollErrors), slog.String("error", err.Error()))
			if pollErrors >= maxConsecutivePollErrors {
				return fmt.Errorf("worker %s: poll: %w", w.id, err)
			}
			w.sleep(ctx, w.pollInterval)
			continue
		}
		pollErrors = 0
		if task == nil {
			<-slots
			w.sleep(ctx, w.pollInterval)
			continue
		}

		if w.limiter != nil {
			allowed, err := w.limiter.Allow(ctx, "worker:"+w.id)
			if err != nil {
				w.logger.Warn("rate limiter unavailable, proceeding", slog.String("error", err.Error()))
				allowed = true
			}
			if !allowed {
				w.handBack(ctx, task)
				<-slots
				w.sleep(ctx, rateLimitBackoff)
				continue
			}
		}

		w.wg.Add(1)
		w.inFlight.Add(1)
		w.setStatus(domain.WorkerBusy)
		go func() {
			defer func() {
				<-slots
				if w.inFlight.Add(-1) == 0 {
					w.setStatus(domain.WorkerIdle)
				}
				w.wg.Done()
			}()
			w.process(taskCtx, task)
		}()
	}
}

// poll walks the queues in order and returns the first task this worker may
// run. Tasks outside the specialization stay leased while the queue is
// scanned further, then go back untouched.
func (w *Worker) poll(ctx context.Context) (*domain.Task, error) {
	for _, q := range w.queues {
		task, err := w.pollQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		if task != nil {
			telemetry.QueueDequeuedTotal.WithLabelValues(q).Inc()
			return task, nil
		}
	}
	return nil, nil
}

func (w *Worker) pollQueue(ctx context.Context, q string) (*domain.Task, error) {
	var skipped []*domain.Task
	defer func() {
		for _, t := range skipped {
			w.handBack(ctx, t)
		}
	}()

	for len(skipped) < specializationScanDepth {
		var task *domain.Task
		err := retry.Do(ctx, retry.Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}, func() error {
			var err error
			task, err = w.queue.Dequeue(ctx, q, w.id, 0)
			return err
		})
		if err != nil || task == nil {
			return nil, err
		}
		if len(w.specialization) == 0 || slices.Contains(w.specialization, task.FunctionName) {
			return task, nil
		}
		w.logger.Debug("task outside specialization",
			slog.String("task_id", task.ID),
			slog.String("function", task.FunctionName),
		)
		skipped = append(skipped, task)
	}
	return nil, nil
}

// handBack returns a leased task to its queue without touching its retry
// count or schedule.
func (w *Worker) handBack(ctx context.Context, task *domain.Task) {
	if _, err := w.queue.Requeue(context.WithoutCancel(ctx), task, redisstore.RequeueOptions{WorkerID: w.id}); err != nil {
		w.logger.Warn("hand back failed; lease expiry will return it",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) process(parent context.Context, task *domain.Task) {
	ctx, span := telemetry.Tracer().Start(parent, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.function", task.FunctionName),
		attribute.String("worker.id", w.id),
	)
	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("function", task.FunctionName),
	)
	queueName := task.EffectiveQueue()

	telemetry.WorkerTasksInFlight.WithLabelValues(w.id).Inc()
	defer telemetry.WorkerTasksInFlight.WithLabelValues(w.id).Dec()

	if err := w.store.SetStatus(ctx, task.ID, domain.StatusRunning); err != nil {
		log.Warn("failed to set running status", slog.String("error", err.Error()))
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchLease(execCtx, task, cancel, log)
	}()

	start := time.Now()
	res, err := w.executor.Execute(execCtx, task, w.id)
	cancel(nil)
	<-watchDone
	duration := time.Since(start)

	outcome := w.settle(context.WithoutCancel(ctx), task, res, err, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}

	telemetry.WorkerTasksProcessed.WithLabelValues(queueName, outcome).Inc()
	w.record(outcome, duration)

	if n := w.processed.Add(1); w.maxTasks > 0 && n >= w.maxTasks {
		w.requestRestart("max_tasks")
	}
}

// watchLease renews the task's lease every third of the lease TTL and checks
// for operator cancellation. It cancels the attempt when the lease is lost
// or a cancel was requested.
func (w *Worker) watchLease(ctx context.Context, task *domain.Task, cancel context.CancelCauseFunc, log *slog.Logger) {
	renewEvery := w.queue.LeaseTTL() / 3
	if renewEvery <= 0 {
		renewEvery = time.Second
	}
	renew := time.NewTicker(renewEvery)
	defer renew.Stop()
	check := time.NewTicker(w.cancelPoll)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			err := w.queue.RenewLease(ctx, task, w.id)
			var lost *domain.LeaseLostError
			if errors.As(err, &lost) {
				log.Warn("lease lost, abandoning attempt")
				cancel(errLeaseLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("lease renewal failed", slog.String("error", err.Error()))
			}
		case <-check.C:
			requested, err := w.queue.CancelRequested(ctx, task.ID)
			if err == nil && requested {
				log.Info("cancellation requested")
				cancel(ErrCancelRequested)
				return
			}
		}
	}
}

// settle applies the retry policy to the attempt's outcome and returns a
// short outcome label.
func (w *Worker) settle(ctx context.Context, task *domain.Task, res *domain.TaskResult, execErr error, log *slog.Logger) string {
	if execErr == nil {
		w.finish(ctx, task, domain.StatusCompleted, log)
		return "completed"
	}

	var cancelled *engine.CancelledError
	if errors.As(execErr, &cancelled) {
		switch {
		case errors.Is(execErr, ErrCancelRequested):
			w.finish(ctx, task, domain.StatusCancelled, log)
			return "cancelled"
		case errors.Is(execErr, errLeaseLost):
			return "lease_lost"
		default:
			// Shutdown: the task did nothing wrong, give it back untouched.
			w.handBack(ctx, task)
			log.Info("task handed back on shutdown")
			return "requeued"
		}
	}

	reason := execErr.Error()
	if res != nil && res.Error != "" {
		reason = res.Error
	}
	retryable := domain.IsRetryable(execErr)
	if res != nil {
		retryable = res.Retryable
	}

	if retryable && task.CanRetry() {
		delay := task.RetryDelay()
		_, err := w.queue.Requeue(ctx, task, redisstore.RequeueOptions{
			Delay:          delay,
			IncrementRetry: true,
			Demote:         w.demote,
			WorkerID:       w.id,
		})
		if err != nil {
			log.Error("requeue for retry failed", slog.String("error", err.Error()))
			return "failed"
		}
		telemetry.WorkerRetriesTotal.WithLabelValues(task.EffectiveQueue()).Inc()
		log.Warn("attempt failed, retrying",
			slog.Int("retry", task.RetryCount+1),
			slog.Int("max_retries", task.Config.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", reason),
		)
		return "retried"
	}

	if retryable {
		reason = fmt.Sprintf("max retries (%d) exceeded: %s", task.Config.MaxRetries, reason)
	}
	w.deadLetter(ctx, task, reason, log)
	return "dead_letter"
}

func (w *Worker) finish(ctx context.Context, task *domain.Task, status domain.Status, log *slog.Logger) {
	if err := w.queue.Complete(ctx, task, w.id, status); err != nil {
		log.Warn("complete failed", slog.String("status", string(status)), slog.String("error", err.Error()))
	}
	if w.audit != nil {
		if err := w.audit.UpdateStatus(ctx, task.ID, status); err != nil {
			log.Debug("audit status update failed", slog.String("error", err.Error()))
		}
	}
}

func (w *Worker) deadLetter(ctx context.Context, task *domain.Task, reason string, log *slog.Logger) {
	queueName := task.EffectiveQueue()
	if err := w.queue.MoveToDeadLetter(ctx, task, reason, w.id); err != nil {
		log.Error("dead-letter failed", slog.String("error", err.Error()))
		return
	}
	log.Error("task dead-lettered", slog.String("reason", reason), slog.Int("retry_count", task.RetryCount))
	telemetry.WorkerDLQTotal.WithLabelValues(queueName).Inc()
	telemetry.QueueDeadLetteredTotal.WithLabelValues(queueName, deadLetterReason(task)).Inc()

	failedAt := time.Now().UTC()
	if w.audit != nil {
		dl := &domain.DeadLetter{Task: task, Reason: reason, OriginalQueue: queueName, FailedAt: failedAt}
		if err := w.audit.RecordDeadLetter(ctx, dl); err != nil {
			log.Warn("audit dead letter failed", slog.String("error", err.Error()))
		}
		if err := w.audit.UpdateStatus(ctx, task.ID, domain.StatusDeadLetter); err != nil {
			log.Debug("audit status update failed", slog.String("error", err.Error()))
		}
	}
	if w.producer != nil {
		msg := kafka.DeadLetterMessage{
			TaskID:        task.ID,
			FunctionName:  task.FunctionName,
			OriginalQueue: queueName,
			Reason:        reason,
			Task:          task,
			FailedAt:      failedAt,
		}
		if err := kafka.PublishJSON(ctx, w.producer, kafka.TopicDLQ, task.ID, msg); err != nil {
			log.Warn("publish dead letter failed", slog.String("error", err.Error()))
		}
	}
}

// deadLetterReason keeps the metric label set small.
func deadLetterReason(task *domain.Task) string {
	if task.CanRetry() {
		return "non_retryable"
	}
	return "max_retries"
}

func (w *Worker) record(outcome string, d time.Duration) {
	now := time.Now().UTC()
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.Processed++
	w.stats.TotalDuration += d
	w.stats.LastTaskAt = &now
	switch outcome {
	case "completed":
		w.stats.Succeeded++
	case "retried":
		w.stats.Failed++
		w.stats.Retried++
	case "dead_letter":
		w.stats.Failed++
		w.stats.DeadLettered++
	}
}

func (w *Worker) requestRestart(reason string) {
	if w.restart.CompareAndSwap(false, true) {
		w.logger.Info("restart requested", slog.String("reason", reason))
		telemetry.WorkerRestartsTotal.WithLabelValues(reason).Inc()
	}
}

// drain waits up to timeout for in-flight tasks, then cancels the rest and
// waits for them to hand their tasks back.
func (w *Worker) drain(timeout time.Duration) {
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return
	case <-timer.C:
	}
	w.logger.Warn("shutdown timeout reached, cancelling running tasks", slog.Int("in_flight", w.InFlight()))
	w.cancelTasks(ErrShutdown)
	<-finished
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.heartbeats == nil && w.maxMemoryMB <= 0 {
		return
	}
	w.publishHeartbeat(ctx)
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat(ctx)
		}
	}
}

// Heartbeat builds the current heartbeat record.
func (w *Worker) Heartbeat() *domain.Heartbeat {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return &domain.Heartbeat{
		WorkerID:     w.id,
		Hostname:     w.hostname,
		Queues:       w.Queues(),
		Status:       w.Status(),
		CurrentTasks: w.InFlight(),
		Concurrency:  w.concurrency,
		MemoryMB:     float64(mem.HeapAlloc) / (1 << 20),
		Goroutines:   runtime.NumGoroutine(),
		Stats:        w.Stats(),
		StartedAt:    w.startedAt,
		Timestamp:    time.Now().UTC(),
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	hb := w.Heartbeat()
	if w.maxMemoryMB > 0 && hb.MemoryMB > w.maxMemoryMB {
		w.requestRestart("max_memory")
	}
	if w.heartbeats == nil {
		return
	}
	if err := w.heartbeats.Publish(ctx, hb, 3*w.heartbeatInterval); err != nil {
		w.logger.Warn("heartbeat publish failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) setStatus(s domain.WorkerStatus) {
	for {
		cur := w.Status()
		// Busy and idle only alternate while running.
		if (s == domain.WorkerBusy || s == domain.WorkerIdle) &&
			cur != domain.WorkerIdle && cur != domain.WorkerBusy && cur != domain.WorkerStarting {
			return
		}
		if w.status.CompareAndSwap(cur, s) {
			return
		}
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}
