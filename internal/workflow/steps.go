package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/retry"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

const maxWebhookResponse = 1 << 20

// runStep executes s with its retry budget. Each attempt gets its own
// timeout when the step sets one. A resumed task step starts counting at its
// recorded attempt so it re-attaches to the task that attempt enqueued.
func (o *Orchestrator) runStep(ctx context.Context, meta runMeta, s *domain.WorkflowStep, vars map[string]any, emit func(stepEvent)) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", meta.workflowID),
		attribute.String("step.id", s.ID),
		attribute.String("step.type", string(s.Type)),
	))
	defer span.End()

	first := max(s.Attempts, 1)
	attempt := first - 1
	var out []byte
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: max(s.Retries+1-(first-1), 1),
		BaseDelay:   o.retryBase,
		MaxDelay:    maxStepRetryDelay,
		Retryable: func(err error) bool {
			return ctx.Err() == nil && domain.IsRetryable(err)
		},
		OnRetry: func(_ int, err error) {
			o.logger.Warn("step attempt failed",
				slog.String("workflow_id", meta.workflowID),
				slog.String("step_id", s.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if s.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, s.Timeout)
		}
		defer cancel()

		var err error
		out, err = o.execute(actx, meta, s, attempt, vars, emit)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("step %s timed out after %s: %w", s.ID, s.Timeout, err)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (o *Orchestrator) execute(ctx context.Context, meta runMeta, s *domain.WorkflowStep, attempt int, vars map[string]any, emit func(stepEvent)) ([]byte, error) {
	switch s.Type {
	case domain.StepTask:
		return o.runTask(ctx, meta, s, attempt, emit)
	case domain.StepDelay:
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	case domain.StepWebhook:
		return o.postWebhook(ctx, meta, s, attempt, vars)
	case domain.StepParallel:
		return o.runParallel(ctx, meta, s, vars, emit)
	case domain.StepSequential:
		return o.runSequential(ctx, meta, s, vars, emit)
	default:
		return nil, domain.Permanent(fmt.Errorf("unknown step type %q", s.Type))
	}
}

// runTask enqueues the step's task and waits for its result. The
// idempotency key is derived from the workflow, step and attempt, so a
// resumed run gets the id of the task already enqueued for that attempt.
func (o *Orchestrator) runTask(ctx context.Context, meta runMeta, s *domain.WorkflowStep, attempt int, emit func(stepEvent)) ([]byte, error) {
	var cfg domain.TaskConfig
	if s.TaskConfig != nil {
		cfg = *s.TaskConfig
	}
	id, err := o.tasks.Enqueue(ctx, client.EnqueueRequest{
		Name:           meta.name + "." + s.ID,
		FunctionName:   s.FunctionName,
		Args:           s.Args,
		Kwargs:         s.Kwargs,
		Config:         cfg,
		TenantID:       meta.tenantID,
		CorrelationID:  meta.correlationID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", meta.workflowID, s.ID, attempt),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue step %s: %w", s.ID, err)
	}
	emit(stepEvent{kind: evTaskEnqueued, stepID: s.ID, taskID: id, attempt: attempt})

	res, err := o.tasks.WaitForResult(ctx, id, o.pollInterval)
	if err != nil {
		if ctx.Err() != nil && abandonTask(ctx) {
			if _, cerr := o.tasks.Cancel(context.WithoutCancel(ctx), id); cerr != nil {
				o.logger.Warn("cancel step task failed",
					slog.String("workflow_id", meta.workflowID),
					slog.String("task_id", id),
					slog.String("error", cerr.Error()),
				)
			}
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}

	switch res.Status {
	case domain.StatusCompleted:
		return res.Result, nil
	case domain.StatusCancelled:
		return nil, domain.Permanent(fmt.Errorf("task %s was cancelled", id))
	default:
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("task %s ended %s", id, res.Status)
		}
		return nil, errors.New(msg)
	}
}

// abandonTask reports whether the task behind a stopped step should be
// cancelled too. Shutdown and lost ownership leave it running so the next
// owner can pick its result up; timeouts, fail-fast and workflow
// cancellation do not.
func abandonTask(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return !errors.Is(cause, context.Canceled) && !errors.Is(cause, errOwnershipLost)
}

func (o *Orchestrator) postWebhook(ctx context.Context, meta runMeta, s *domain.WorkflowStep, attempt int, vars map[string]any) ([]byte, error) {
	body := []byte(s.Payload)
	if len(body) == 0 {
		var err error
		body, err = json.Marshal(map[string]any{
			"workflow_id": meta.workflowID,
			"step_id":     s.ID,
			"context":     vars,
		})
		if err != nil {
			return nil, domain.Permanent(fmt.Errorf("marshal webhook body: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-ID", meta.workflowID)
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s:%d", meta.workflowID, s.ID, attempt))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook %s returned %d", s.URL, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, domain.Permanent(err)
		}
		return nil, err
	}
	if len(data) > 0 && json.Valid(data) {
		return data, nil
	}
	return json.Marshal(map[string]int{"status_code": resp.StatusCode})
}

// runParallel runs every sub-step concurrently. The first failure cancels
// the others.
func (o *Orchestrator) runParallel(ctx context.Context, meta runMeta, s *domain.WorkflowStep, vars map[string]any, emit func(stepEvent)) ([]byte, error) {
	var mu sync.Mutex
	results := make(map[string]json.RawMessage, len(s.SubSteps))
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range s.SubSteps {
		g.Go(func() error {
			out, err := o.runSub(gctx, meta, sub, vars, emit)
			if err != nil {
				return err
			}
			mu.Lock()
			results[sub.ID] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

// runSequential runs sub-steps in order and stops at the first failure.
// Later sub-steps see the outputs of earlier ones.
func (o *Orchestrator) runSequential(ctx context.Context, meta runMeta, s *domain.WorkflowStep, vars map[string]any, emit func(stepEvent)) ([]byte, error) {
	vars = maps.Clone(vars)
	if vars == nil {
		vars = make(map[string]any)
	}
	results := make(map[string]json.RawMessage, len(s.SubSteps))
	for _, sub := range s.SubSteps {
		out, err := o.runSub(ctx, meta, sub, vars, emit)
		if err != nil {
			return nil, err
		}
		results[sub.ID] = out
		if sub.Status == domain.StepCompleted {
			vars[outputKey(sub)] = decodeOutput(out)
		}
	}
	return json.Marshal(results)
}

// runSub runs one sub-step of a parallel or sequential step and reports its
// transitions. sub belongs to the caller's snapshot, so its status is kept
// up to date locally and a retried parent skips what already succeeded.
func (o *Orchestrator) runSub(ctx context.Context, meta runMeta, sub *domain.WorkflowStep, vars map[string]any, emit func(stepEvent)) (json.RawMessage, error) {
	if sub.Status.Satisfied() {
		return sub.Result, nil
	}
	run, err := evalCondition(sub, vars)
	if err != nil {
		emit(stepEvent{kind: evSubStep, stepID: sub.ID, status: domain.StepFailed, err: err})
		return nil, &domain.StepFailureError{StepID: sub.ID, Err: err}
	}
	if !run {
		sub.Status = domain.StepSkipped
		emit(stepEvent{kind: evSubStep, stepID: sub.ID, status: domain.StepSkipped})
		return nil, nil
	}

	emit(stepEvent{kind: evSubStep, stepID: sub.ID, status: domain.StepRunning})
	out, err := o.runStep(ctx, meta, sub, vars, emit)
	status := outcome(ctx, err)
	emit(stepEvent{kind: evSubStep, stepID: sub.ID, status: status, result: out, err: err})
	if err != nil {
		return nil, &domain.StepFailureError{StepID: sub.ID, Err: err}
	}
	sub.Status = status
	sub.Result = out
	return out, nil
}

func decodeOutput(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
