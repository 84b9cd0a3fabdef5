package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/retry"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

// ErrNotOwner is returned by Run when another orchestrator, or another run
// in this process, already drives the workflow.
var ErrNotOwner = errors.New("workflow is owned by another orchestrator")

var (
	errWorkflowCancelled = errors.New("workflow cancelled")
	errOwnershipLost     = errors.New("workflow ownership lost")
)

const (
	recentLogSize     = 10
	maxStepRetryDelay = 30 * time.Second
)

// TaskRunner submits the tasks behind task steps. *client.Client satisfies it.
type TaskRunner interface {
	Enqueue(ctx context.Context, req client.EnqueueRequest) (string, error)
	WaitForResult(ctx context.Context, taskID string, poll time.Duration) (*domain.TaskResult, error)
	Cancel(ctx context.Context, taskID string) (domain.Status, error)
}

// Orchestrator drives workflows to completion. Every run holds the
// workflow's owner lease, so a workflow has at most one driver across all
// orchestrator processes, and persists the workflow after each transition so
// another process can resume it.
type Orchestrator struct {
	store redisstore.WorkflowStore
	lease redisstore.Lease
	tasks TaskRunner

	httpClient   *http.Client
	ownerID      string
	leaseTTL     time.Duration
	pollInterval time.Duration
	cancelCheck  time.Duration
	retryBase    time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	running map[string]func()
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithOwnerID sets the identity written into owner leases.
func WithOwnerID(id string) Option { return func(o *Orchestrator) { o.ownerID = id } }

// WithLeaseTTL sets the owner lease duration. The lease is renewed every
// third of it.
func WithLeaseTTL(d time.Duration) Option { return func(o *Orchestrator) { o.leaseTTL = d } }

// WithResultPollInterval sets how often task results are polled.
func WithResultPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithCancelCheckInterval sets how often a run looks for cancellation
// requests made through another orchestrator.
func WithCancelCheckInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.cancelCheck = d }
}

// WithRetryBaseDelay sets the base of the quadratic backoff between step
// attempts.
func WithRetryBaseDelay(d time.Duration) Option { return func(o *Orchestrator) { o.retryBase = d } }

// WithHTTPClient sets the client used by webhook steps.
func WithHTTPClient(c *http.Client) Option { return func(o *Orchestrator) { o.httpClient = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store redisstore.WorkflowStore, lease redisstore.Lease, tasks TaskRunner, opts ...Option) *Orchestrator {
	host, _ := os.Hostname()
	o := &Orchestrator{
		store:        store,
		lease:        lease,
		tasks:        tasks,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		ownerID:      fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		leaseTTL:     30 * time.Second,
		pollInterval: 500 * time.Millisecond,
		cancelCheck:  time.Second,
		retryBase:    time.Second,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		running:      make(map[string]func()),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates wf, resets its runtime state and persists it as pending.
// It does not start it; Launch or ResumeActive does.
func (o *Orchestrator) Submit(ctx context.Context, wf *domain.Workflow) (string, error) {
	if err := Validate(wf); err != nil {
		return "", err
	}
	if wf.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate workflow id: %w", err)
		}
		wf.ID = id.String()
	}
	if wf.Context == nil {
		wf.Context = make(map[string]any)
	}
	now := o.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.Status = domain.WorkflowPending
	wf.Error = ""
	wf.StartedAt, wf.CompletedAt = nil, nil
	wf.Log = nil
	for _, s := range wf.Steps {
		clearRuntime(s)
	}
	appendLog(wf, now, "", "workflow_submitted", "")

	if err := o.persist(ctx, wf); err != nil {
		return "", err
	}
	o.logger.Info("workflow submitted",
		slog.String("workflow_id", wf.ID),
		slog.String("workflow", wf.Name),
		slog.Int("steps", len(wf.Steps)),
	)
	return wf.ID, nil
}

// Start submits wf and drives it in the background.
func (o *Orchestrator) Start(ctx context.Context, wf *domain.Workflow) (string, error) {
	id, err := o.Submit(ctx, wf)
	if err != nil {
		return "", err
	}
	o.Launch(ctx, id)
	return id, nil
}

// Launch runs the workflow in a goroutine. Wait blocks until every launched
// run has returned.
func (o *Orchestrator) Launch(ctx context.Context, id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.Run(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotOwner):
			o.logger.Debug("workflow owned elsewhere", slog.String("workflow_id", id))
		case ctx.Err() != nil || errors.Is(err, errOwnershipLost):
			o.logger.Info("workflow run stopped", slog.String("workflow_id", id), slog.String("cause", err.Error()))
		default:
			o.logger.Error("workflow run failed", slog.String("workflow_id", id), slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until all launched runs return.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// ResumeActive launches every non-terminal workflow not already running in
// this process and returns how many it launched. Runs for workflows owned
// by a live orchestrator return ErrNotOwner straight away.
func (o *Orchestrator) ResumeActive(ctx context.Context) (int, error) {
	ids, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		o.mu.Lock()
		_, local := o.running[id]
		o.mu.Unlock()
		if local {
			continue
		}
		o.Launch(ctx, id)
		n++
	}
	return n, nil
}

// Run drives workflow id until it reaches a terminal status, ctx ends or
// the owner lease is lost. A workflow that failed or was cancelled is not an
// error; its status says so.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	cancelRequested, untrack, ok := o.track(id)
	if !ok {
		return ErrNotOwner
	}
	defer untrack()

	key := redisstore.WorkflowOwnerKey(id)
	held, err := o.lease.Acquire(ctx, key, o.ownerID, o.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire workflow %s: %w", id, err)
	}
	if !held {
		return ErrNotOwner
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go o.holdLease(runCtx, key, cancel, renewed)
	defer func() {
		cancel(nil)
		<-renewed
		if _, err := o.lease.Release(context.WithoutCancel(ctx), key, o.ownerID); err != nil {
			o.logger.Warn("release workflow lease failed", slog.String("workflow_id", id), slog.String("error", err.Error()))
		}
	}()

	wf, err := o.store.Get(runCtx, id)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return nil
	}
	return o.drive(runCtx, wf, cancelRequested)
}

// track registers a local run of id. The returned channel closes when Cancel
// is called for id in this process.
func (o *Orchestrator) track(id string) (<-chan struct{}, func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return nil, nil, false
	}
	ch := make(chan struct{})
	var once sync.Once
	o.running[id] = func() { once.Do(func() { close(ch) }) }
	return ch, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}, true
}

func (o *Orchestrator) holdLease(ctx context.Context, key string, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(o.leaseTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := o.lease.Acquire(ctx, key, o.ownerID, o.leaseTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// The lease survives until its TTL; try again next tick.
				o.logger.Warn("renew workflow lease failed", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if !held {
				o.logger.Error("workflow lease lost", slog.String("key", key))
				cancel(errOwnershipLost)
				return
			}
		}
	}
}

// Cancel stops a workflow. When no orchestrator owns it the workflow is
// cancelled immediately; otherwise a cancel flag is set and the owner
// cancels its running steps on its next check. The returned status is the
// one stored after the call.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (domain.WorkflowStatus, error) {
	wf, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.Status.IsTerminal() {
		return wf.Status, nil
	}
	if err := o.store.RequestCancel(ctx, id); err != nil {
		return "", err
	}

	_, untrack, ok := o.track(id)
	if !ok {
		o.mu.Lock()
		stop := o.running[id]
		o.mu.Unlock()
		if stop != nil {
			stop()
		}
		return wf.Status, nil
	}
	defer untrack()

	key := redisstore.WorkflowOwnerKey(id)
	held, err := o.lease.Acquire(ctx, key, o.ownerID, o.leaseTTL)
	if err != nil {
		return "", fmt.Errorf("acquire workflow %s: %w", id, err)
	}
	if !held {
		return wf.Status, nil
	}
	defer func() {
		if _, err := o.lease.Release(context.WithoutCancel(ctx), key, o.ownerID); err != nil {
			o.logger.Warn("release workflow lease failed", slog.String("workflow_id", id), slog.String("error", err.Error()))
		}
	}()

	// Reload under the lease; a run may have finished it meanwhile.
	if wf, err = o.store.Get(ctx, id); err != nil {
		return "", err
	}
	if wf.Status.IsTerminal() {
		return wf.Status, nil
	}
	for _, sid := range wf.Order {
		o.cancelOrphan(ctx, wf, wf.Steps[sid])
	}
	o.finish(wf, domain.WorkflowCancelled, "")
	if err := o.persist(ctx, wf); err != nil {
		return "", err
	}
	o.logger.Info("workflow cancelled", slog.String("workflow_id", id))
	return wf.Status, nil
}

// Pause stops a workflow from starting further steps. Steps already running
// finish; the owner then stores the workflow as paused and lets it go. A
// workflow nobody drives is paused at once. Pausing a paused or terminal
// workflow changes nothing. The returned status is the one stored after the
// call.
func (o *Orchestrator) Pause(ctx context.Context, id string) (domain.WorkflowStatus, error) {
	wf, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.Status.IsTerminal() || wf.Status == domain.WorkflowPaused {
		return wf.Status, nil
	}
	if err := o.store.RequestPause(ctx, id); err != nil {
		return "", err
	}

	release, held, err := o.claim(ctx, id)
	if err != nil {
		return "", err
	}
	if !held {
		return wf.Status, nil
	}
	defer release()

	if wf, err = o.store.Get(ctx, id); err != nil {
		return "", err
	}
	if wf.Status.IsTerminal() || wf.Status == domain.WorkflowPaused {
		return wf.Status, nil
	}
	// Steps left running by a previous owner keep their tasks; the run that
	// follows Resume re-attaches to them.
	wf.Status = domain.WorkflowPaused
	appendLog(wf, o.now(), "", "workflow_paused", "")
	if err := o.persist(ctx, wf); err != nil {
		return "", err
	}
	o.logger.Info("workflow paused", slog.String("workflow_id", id))
	return wf.Status, nil
}

// Resume withdraws a pause. A paused workflow goes back to the active set,
// where an orchestrator picks it up; a pause its owner has not acted on yet
// is simply dropped. While the pausing owner still holds the workflow,
// Resume returns ErrNotOwner.
func (o *Orchestrator) Resume(ctx context.Context, id string) (domain.WorkflowStatus, error) {
	wf, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.Status.IsTerminal() {
		return wf.Status, nil
	}
	if wf.Status != domain.WorkflowPaused {
		if err := o.store.ClearPause(ctx, id); err != nil {
			return "", err
		}
		return wf.Status, nil
	}

	release, held, err := o.claim(ctx, id)
	if err != nil {
		return "", err
	}
	if !held {
		return wf.Status, ErrNotOwner
	}
	defer release()

	if wf, err = o.store.Get(ctx, id); err != nil {
		return "", err
	}
	if wf.Status != domain.WorkflowPaused {
		return wf.Status, nil
	}
	if err := o.store.ClearPause(ctx, id); err != nil {
		return "", err
	}
	wf.Status = domain.WorkflowRunning
	if wf.StartedAt == nil {
		wf.Status = domain.WorkflowPending
	}
	appendLog(wf, o.now(), "", "workflow_unpaused", "")
	if err := o.persist(ctx, wf); err != nil {
		return "", err
	}
	o.logger.Info("workflow unpaused", slog.String("workflow_id", id))
	return wf.Status, nil
}

// claim takes the owner lease of a workflow no run is driving. held is false
// when a run in this process or another orchestrator owns it.
func (o *Orchestrator) claim(ctx context.Context, id string) (release func(), held bool, err error) {
	_, untrack, ok := o.track(id)
	if !ok {
		return nil, false, nil
	}
	key := redisstore.WorkflowOwnerKey(id)
	held, err = o.lease.Acquire(ctx, key, o.ownerID, o.leaseTTL)
	if err != nil || !held {
		untrack()
		if err != nil {
			return nil, false, fmt.Errorf("acquire workflow %s: %w", id, err)
		}
		return nil, false, nil
	}
	return func() {
		if _, err := o.lease.Release(context.WithoutCancel(ctx), key, o.ownerID); err != nil {
			o.logger.Warn("release workflow lease failed", slog.String("workflow_id", id), slog.String("error", err.Error()))
		}
		untrack()
	}, true, nil
}

// cancelOrphan cancels a step left running by an orchestrator that is gone,
// including the task it had enqueued.
func (o *Orchestrator) cancelOrphan(ctx context.Context, wf *domain.Workflow, s *domain.WorkflowStep) {
	if s.Status.IsTerminal() {
		return
	}
	for _, sub := range s.SubSteps {
		o.cancelOrphan(ctx, wf, sub)
	}
	if s.Status == domain.StepRunning && s.TaskID != "" {
		if _, err := o.tasks.Cancel(ctx, s.TaskID); err != nil {
			o.logger.Warn("cancel step task failed",
				slog.String("workflow_id", wf.ID),
				slog.String("step_id", s.ID),
				slog.String("task_id", s.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	o.transition(wf, s, domain.StepCancelled, "workflow cancelled")
}

// Status returns a progress summary of the workflow.
func (o *Orchestrator) Status(ctx context.Context, id string) (*domain.WorkflowStatusReport, error) {
	wf, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Report(wf), nil
}

// Get returns the stored workflow.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	return o.store.Get(ctx, id)
}

// Report summarises wf. Progress counts top-level steps in a terminal status.
func Report(wf *domain.Workflow) *domain.WorkflowStatusReport {
	r := &domain.WorkflowStatusReport{
		WorkflowID: wf.ID,
		Name:       wf.Name,
		Status:     wf.Status,
		Steps:      make(map[string]domain.StepStatus, len(wf.Steps)),
		Error:      wf.Error,
	}
	done := 0
	for id, s := range wf.Steps {
		r.Steps[id] = s.Status
		if s.Status.IsTerminal() {
			done++
		}
	}
	if len(wf.Steps) > 0 {
		r.ProgressPercentage = math.Round(float64(done)/float64(len(wf.Steps))*10000) / 100
	}
	from := max(len(wf.Log)-recentLogSize, 0)
	r.RecentLog = append([]domain.LogEntry{}, wf.Log[from:]...)
	return r
}

// ─── run loop ────────────────────────────────────────────────────────────────

type eventKind int

const (
	evTaskEnqueued eventKind = iota
	evSubStep
	evDone
)

// stepEvent carries a step goroutine's progress back to the run loop, which
// is the only place the workflow is mutated.
type stepEvent struct {
	kind    eventKind
	stepID  string
	taskID  string
	attempt int
	status  domain.StepStatus
	result  []byte
	err     error
}

type runMeta struct {
	workflowID    string
	name          string
	tenantID      string
	correlationID string
}

func (o *Orchestrator) drive(ctx context.Context, wf *domain.Workflow, cancelRequested <-chan struct{}) error {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.name", wf.Name),
	))
	defer span.End()
	log := o.logger.With(slog.String("workflow_id", wf.ID), slog.String("workflow", wf.Name))

	now := o.now()
	if wf.Status == domain.WorkflowPending {
		wf.Status = domain.WorkflowRunning
		wf.StartedAt = &now
		appendLog(wf, now, "", "workflow_started", "")
		log.Info("workflow started")
	} else {
		wf.Status = domain.WorkflowRunning
		appendLog(wf, now, "", "workflow_resumed", o.ownerID)
		log.Info("workflow resumed")
	}
	if wf.Context == nil {
		wf.Context = make(map[string]any)
	}

	meta := runMeta{
		workflowID:    wf.ID,
		name:          wf.Name,
		tenantID:      wf.TenantID,
		correlationID: wf.CorrelationID,
	}
	if meta.correlationID == "" {
		meta.correlationID = wf.ID
	}

	stepCtx, cancelSteps := context.WithCancelCause(ctx)
	defer cancelSteps(nil)
	events := make(chan stepEvent, 16)
	emit := func(ev stepEvent) { events <- ev }
	inflight := 0
	launch := func(s *domain.WorkflowStep) {
		inflight++
		snapshot := cloneStep(s)
		vars := maps.Clone(wf.Context)
		go func() {
			out, err := o.runStep(stepCtx, meta, snapshot, vars, emit)
			emit(stepEvent{kind: evDone, stepID: snapshot.ID, status: outcome(stepCtx, err), result: out, err: err})
		}()
	}

	cancelled, err := o.store.CancelRequested(ctx, wf.ID)
	if err != nil {
		log.Warn("read cancel flag failed", slog.String("error", err.Error()))
	}
	paused, err := o.store.PauseRequested(ctx, wf.ID)
	if err != nil {
		log.Warn("read pause flag failed", slog.String("error", err.Error()))
	}
	if !cancelled {
		// Steps a previous owner left running are restarted; task steps
		// re-attach to the task they already enqueued.
		for _, id := range wf.Order {
			if s := wf.Steps[id]; s.Status == domain.StepRunning {
				launch(s)
			}
		}
	}
	o.save(ctx, wf, log)

	ticker := time.NewTicker(o.cancelCheck)
	defer ticker.Stop()

	var failure error
	for {
		if ctx.Err() != nil {
			for inflight > 0 {
				if ev := <-events; ev.kind == evDone {
					inflight--
				}
			}
			cause := context.Cause(ctx)
			log.Info("workflow run interrupted", slog.String("cause", cause.Error()))
			return cause
		}
		if failure == nil && !cancelled && !paused {
			changed, err := o.schedule(wf, launch)
			if err != nil {
				failure = err
				cancelSteps(err)
			}
			if changed {
				o.save(ctx, wf, log)
			}
		}
		if inflight == 0 {
			break
		}

		select {
		case ev := <-events:
			if ev.kind == evDone {
				inflight--
			}
			if ctx.Err() != nil {
				continue
			}
			if err := o.apply(wf, ev); err != nil && failure == nil && !cancelled {
				failure = err
				cancelSteps(err)
				log.Warn("step failed, cancelling running steps", slog.String("step_id", ev.stepID), slog.String("error", err.Error()))
			}
			o.save(ctx, wf, log)
		case <-ticker.C:
			if cancelled {
				continue
			}
			requested, err := o.store.CancelRequested(ctx, wf.ID)
			if err != nil {
				log.Warn("read cancel flag failed", slog.String("error", err.Error()))
				continue
			}
			if requested {
				cancelled = true
				cancelSteps(errWorkflowCancelled)
				continue
			}
			pause, err := o.store.PauseRequested(ctx, wf.ID)
			if err != nil {
				log.Warn("read pause flag failed", slog.String("error", err.Error()))
				continue
			}
			// Running steps finish; nothing new starts.
			if pause && !paused {
				appendLog(wf, o.now(), "", "workflow_pausing", "")
				o.save(ctx, wf, log)
				log.Info("workflow pausing", slog.Int("running_steps", inflight))
			}
			paused = pause
		case <-cancelRequested:
			cancelRequested = nil
			if !cancelled {
				cancelled = true
				cancelSteps(errWorkflowCancelled)
			}
		case <-ctx.Done():
		}
	}

	switch {
	case cancelled:
		for _, id := range wf.Order {
			if s := wf.Steps[id]; !s.Status.IsTerminal() {
				o.transition(wf, s, domain.StepCancelled, "workflow cancelled")
			}
		}
		o.finish(wf, domain.WorkflowCancelled, "")
	case failure != nil:
		o.finish(wf, domain.WorkflowFailed, failure.Error())
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	case paused && hasPending(wf):
		wf.Status = domain.WorkflowPaused
		appendLog(wf, o.now(), "", "workflow_paused", "")
		o.save(ctx, wf, log)
		log.Info("workflow paused")
		return nil
	default:
		status, msg := domain.WorkflowCompleted, ""
		for _, id := range wf.Order {
			if s := wf.Steps[id]; !s.Status.Satisfied() {
				status, msg = domain.WorkflowFailed, fmt.Sprintf("step %s ended %s", id, s.Status)
				break
			}
		}
		o.finish(wf, status, msg)
	}
	o.save(ctx, wf, log)
	log.Info("workflow finished", slog.String("status", string(wf.Status)))
	return nil
}

// schedule starts every pending step whose dependencies are satisfied. Steps
// whose condition is false are skipped, which in turn satisfies their
// dependents; wf.Order is topological, so a single pass settles the chain.
func (o *Orchestrator) schedule(wf *domain.Workflow, launch func(*domain.WorkflowStep)) (bool, error) {
	changed := false
	for _, id := range wf.Order {
		s := wf.Steps[id]
		if s.Status != domain.StepPending || !dependenciesSatisfied(wf, s) {
			continue
		}
		changed = true
		run, err := evalCondition(s, wf.Context)
		if err != nil {
			s.Error = err.Error()
			o.transition(wf, s, domain.StepFailed, err.Error())
			return changed, &domain.StepFailureError{StepID: id, Err: err}
		}
		if !run {
			o.transition(wf, s, domain.StepSkipped, "condition is false: "+s.Condition)
			continue
		}
		o.transition(wf, s, domain.StepRunning, "")
		launch(s)
	}
	return changed, nil
}

func (o *Orchestrator) apply(wf *domain.Workflow, ev stepEvent) error {
	s := findStep(wf, ev.stepID)
	if s == nil {
		return nil
	}
	switch ev.kind {
	case evTaskEnqueued:
		s.TaskID = ev.taskID
		s.Attempts = ev.attempt
		appendLog(wf, o.now(), s.ID, "task_enqueued", fmt.Sprintf("task %s, attempt %d", ev.taskID, ev.attempt))
	case evSubStep:
		o.settle(wf, s, ev)
	case evDone:
		o.settle(wf, s, ev)
		if ev.status == domain.StepFailed {
			return &domain.StepFailureError{StepID: s.ID, Err: ev.err}
		}
	}
	return nil
}

// settle records a step status reported by a step goroutine.
func (o *Orchestrator) settle(wf *domain.Workflow, s *domain.WorkflowStep, ev stepEvent) {
	msg := ""
	switch ev.status {
	case domain.StepCompleted:
		s.Result = ev.result
		wf.Context[outputKey(s)] = decodeOutput(ev.result)
	case domain.StepFailed:
		if ev.err != nil {
			s.Error = ev.err.Error()
			msg = s.Error
		}
	case domain.StepCancelled:
		s.Error = "cancelled"
	}
	o.transition(wf, s, ev.status, msg)
}

func (o *Orchestrator) transition(wf *domain.Workflow, s *domain.WorkflowStep, status domain.StepStatus, msg string) {
	now := o.now()
	s.Status = status
	switch {
	case status == domain.StepRunning:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case status.IsTerminal():
		s.CompletedAt = &now
	}
	appendLog(wf, now, s.ID, "step_"+string(status), msg)
	telemetry.WorkflowStepTransitions.WithLabelValues(string(s.Type), string(status)).Inc()
}

func (o *Orchestrator) finish(wf *domain.Workflow, status domain.WorkflowStatus, msg string) {
	now := o.now()
	wf.Status = status
	wf.Error = msg
	wf.CompletedAt = &now
	appendLog(wf, now, "", "workflow_"+string(status), msg)
	telemetry.WorkflowsFinished.WithLabelValues(string(status)).Inc()
}

// save persists wf, logging instead of failing: the next transition saves
// the full state again.
func (o *Orchestrator) save(ctx context.Context, wf *domain.Workflow, log *slog.Logger) {
	if err := o.persist(ctx, wf); err != nil && ctx.Err() == nil {
		log.Error("persist workflow failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) persist(ctx context.Context, wf *domain.Workflow) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	}, func() error {
		return o.store.Save(ctx, wf)
	})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// outcome maps a step error to the status it leaves the step in. Steps
// stopped because their context ended are cancelled, not failed.
func outcome(ctx context.Context, err error) domain.StepStatus {
	switch {
	case err == nil:
		return domain.StepCompleted
	case ctx.Err() != nil:
		return domain.StepCancelled
	default:
		return domain.StepFailed
	}
}

func hasPending(wf *domain.Workflow) bool {
	for _, s := range wf.Steps {
		if !s.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func dependenciesSatisfied(wf *domain.Workflow, s *domain.WorkflowStep) bool {
	for _, dep := range s.DependsOn {
		if d, ok := wf.Steps[dep]; !ok || !d.Status.Satisfied() {
			return false
		}
	}
	return true
}

func evalCondition(s *domain.WorkflowStep, vars map[string]any) (bool, error) {
	if s.Condition == "" {
		return true, nil
	}
	c, err := CompileCondition(s.Condition)
	if err != nil {
		return false, err
	}
	return c.Eval(vars)
}

func findStep(wf *domain.Workflow, id string) *domain.WorkflowStep {
	if s, ok := wf.Steps[id]; ok {
		return s
	}
	var walk func(steps []*domain.WorkflowStep) *domain.WorkflowStep
	walk = func(steps []*domain.WorkflowStep) *domain.WorkflowStep {
		for _, s := range steps {
			if s.ID == id {
				return s
			}
			if found := walk(s.SubSteps); found != nil {
				return found
			}
		}
		return nil
	}
	for _, s := range wf.Steps {
		if found := walk(s.SubSteps); found != nil {
			return found
		}
	}
	return nil
}

func cloneStep(s *domain.WorkflowStep) *domain.WorkflowStep {
	c := *s
	if len(s.SubSteps) > 0 {
		c.SubSteps = make([]*domain.WorkflowStep, len(s.SubSteps))
		for i, sub := range s.SubSteps {
			c.SubSteps[i] = cloneStep(sub)
		}
	}
	return &c
}

func clearRuntime(s *domain.WorkflowStep) {
	s.Status = domain.StepPending
	s.TaskID = ""
	s.Result = nil
	s.Error = ""
	s.Attempts = 0
	s.StartedAt, s.CompletedAt = nil, nil
	for _, sub := range s.SubSteps {
		clearRuntime(sub)
	}
}

func outputKey(s *domain.WorkflowStep) string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	return s.ID
}

func appendLog(wf *domain.Workflow, at time.Time, stepID, event, msg string) {
	wf.Log = append(wf.Log, domain.LogEntry{Timestamp: at, StepID: stepID, Event: event, Message: msg})
}
