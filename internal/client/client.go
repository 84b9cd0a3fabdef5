// Package client is the task submission API used by the gateway, the
// dispatcher, the scheduler and the workflow orchestrator.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

const submitClaimTTL = 24 * time.Hour

// EnqueueRequest describes a task to submit.
type EnqueueRequest struct {
	// TaskID is optional; callers that need deterministic ids set it.
	TaskID         string            `json:"task_id,omitempty"`
	Name           string            `json:"name"`
	FunctionName   string            `json:"function_name" validate:"required"`
	Args           json.RawMessage   `json:"args,omitempty"`
	Kwargs         json.RawMessage   `json:"kwargs,omitempty"`
	Config         domain.TaskConfig `json:"config"`
	TenantID       string            `json:"tenant_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
}

// Client submits tasks and reads back their state.
type Client struct {
	queue    redisstore.Queue
	store    redisstore.StateStore
	registry *handlers.Registry
	idem     redisstore.IdempotencyStore
	audit    postgres.AuditRepository
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry validates function names and arguments before enqueueing.
func WithRegistry(r *handlers.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithIdempotency deduplicates submissions that carry an idempotency key.
func WithIdempotency(s redisstore.IdempotencyStore) Option {
	return func(c *Client) { c.idem = s }
}

// WithAudit archives submissions and serves task lookups once the Redis
// record has expired.
func WithAudit(r postgres.AuditRepository) Option {
	return func(c *Client) { c.audit = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client.
func New(queue redisstore.Queue, store redisstore.StateStore, opts ...Option) *Client {
	c := &Client{queue: queue, store: store, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enqueue validates and submits a task and returns its id. A request whose
// idempotency key was already used returns the id of the original task.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.FunctionName == "" {
		return "", &domain.InvalidArgumentsError{FunctionName: req.FunctionName, Err: errors.New("function_name is required")}
	}
	if c.registry != nil {
		if err := c.registry.Validate(req.FunctionName, req.Args, req.Kwargs); err != nil {
			return "", err
		}
	}
	if req.Config.Priority != "" && !req.Config.Priority.Valid() {
		return "", &domain.InvalidArgumentsError{
			FunctionName: req.FunctionName,
			Err:          fmt.Errorf("unknown priority %q", req.Config.Priority),
		}
	}

	task := newTask(req)
	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}
		task.ID = id.String()
	}

	claimKey := ""
	if c.idem != nil && req.IdempotencyKey != "" {
		claimKey = "submit:" + domain.QueueName(req.TenantID, req.FunctionName) + ":" + req.IdempotencyKey
		existing, claimed, err := c.idem.Claim(ctx, claimKey, task.ID, submitClaimTTL)
		if err != nil {
			return "", err
		}
		if !claimed {
			c.logger.Info("duplicate submission",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("task_id", existing),
			)
			return existing, nil
		}
	}

	id, err := c.queue.Enqueue(ctx, task)
	if err != nil {
		if claimKey != "" {
			if relErr := c.idem.Release(context.WithoutCancel(ctx), claimKey); relErr != nil {
				c.logger.Warn("release idempotency claim failed", slog.String("error", relErr.Error()))
			}
		}
		var capErr *domain.CapacityExceededError
		if errors.As(err, &capErr) {
			telemetry.QueueRejectedTotal.WithLabelValues(capErr.Queue).Inc()
		}
		return "", err
	}
	telemetry.QueueEnqueuedTotal.WithLabelValues(task.EffectiveQueue(), string(task.Config.Priority)).Inc()

	if c.audit != nil {
		if err := c.audit.RecordTask(context.WithoutCancel(ctx), task, domain.StatusPending); err != nil {
			c.logger.Warn("audit task failed", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}

	c.logger.Debug("task enqueued",
		slog.String("task_id", id),
		slog.String("function", task.FunctionName),
		slog.String("queue", task.EffectiveQueue()),
		slog.String("priority", string(task.Config.Priority)),
	)
	return id, nil
}

func newTask(req EnqueueRequest) *domain.Task {
	return &domain.Task{
		ID:             req.TaskID,
		Name:           req.Name,
		FunctionName:   req.FunctionName,
		Args:           req.Args,
		Kwargs:         req.Kwargs,
		Config:         req.Config.WithDefaults(),
		TenantID:       req.TenantID,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      req.ExpiresAt,
		DependsOn:      req.DependsOn,
		WebhookURL:     req.WebhookURL,
	}
}

// GetResult returns the latest result of a task, or TaskNotFoundError when
// no attempt has finished yet.
func (c *Client) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	return c.store.GetResult(ctx, taskID)
}

// GetProgress returns the latest progress report of a task.
func (c *Client) GetProgress(ctx context.Context, taskID string) (*domain.Progress, error) {
	return c.store.GetProgress(ctx, taskID)
}

// GetTask returns the stored task and its status, falling back to the audit
// archive once the live record has expired.
func (c *Client) GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	rec, err := c.store.GetTask(ctx, taskID)
	var notFound *domain.TaskNotFoundError
	if err == nil || c.audit == nil || !errors.As(err, &notFound) {
		return rec, err
	}
	return c.audit.GetTask(ctx, taskID)
}

// Cancel cancels a task. See redis.Queue.Cancel for the semantics.
func (c *Client) Cancel(ctx context.Context, taskID string) (domain.Status, error) {
	return c.queue.Cancel(ctx, taskID)
}

// WaitForResult polls until the task reaches a terminal status and returns
// its latest result. Intermediate failures that will be retried do not end
// the wait.
func (c *Client) WaitForResult(ctx context.Context, taskID string, poll time.Duration) (*domain.TaskResult, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		status, err := c.store.GetStatus(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if status.IsTerminal() {
			res, err := c.store.GetResult(ctx, taskID)
			var notFound *domain.TaskNotFoundError
			if errors.As(err, &notFound) {
				// Cancelled or dead-lettered before any attempt finished.
				return &domain.TaskResult{TaskID: taskID, Status: status}, nil
			}
			if err != nil {
				return nil, err
			}
			if status == domain.StatusDeadLetter || status == domain.StatusCancelled {
				res.Status = status
			}
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
