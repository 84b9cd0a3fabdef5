// Package dispatcher moves task submissions from Kafka onto the Redis
// priority queues.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/kafka"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

// DLQ reasons.
const (
	ReasonMalformed   = "malformed"
	ReasonRejected    = "rejected"
	ReasonRateLimited = "rate_limited"
)

// Enqueuer submits a task. *client.Client satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req client.EnqueueRequest) (string, error)
}

// Dispatcher consumes kafka.TopicPending and enqueues each submission.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer
	tasks    Enqueuer
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	tasks Enqueuer,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		producer: producer,
		tasks:    tasks,
		limiter:  limiter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.route)
}

// route returns an error only for conditions worth redelivering: a full
// queue or an unreachable store. Everything else is committed, either
// enqueued or parked on the DLQ topic.
func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.route")
	defer span.End()

	var req client.EnqueueRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		d.logger.Error("malformed submission, sending to DLQ",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return d.toDLQ(ctx, msg, "", ReasonMalformed, err)
	}

	span.SetAttributes(attribute.String("task.function", req.FunctionName))
	log := d.logger.With(slog.String("function", req.FunctionName))

	if req.FunctionName == "" {
		err := errors.New("function_name is required")
		log.Error("invalid submission, sending to DLQ", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "missing function")
		return d.toDLQ(ctx, msg, "", ReasonMalformed, err)
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, "dispatch:"+req.FunctionName)
		if err != nil {
			// A limiter outage should not drop submissions.
			log.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			log.Warn("rate limit exceeded, sending to DLQ", slog.Int("limit", d.limiter.Limit()))
			span.SetStatus(codes.Error, "rate limit exceeded")
			telemetry.DispatcherRateLimitedTotal.Inc()
			return d.toDLQ(ctx, msg, req.FunctionName, ReasonRateLimited, nil)
		}
	}

	// Redelivered offsets map to the same submission.
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "kafka:" + msg.Topic + ":" + strconv.Itoa(msg.Partition) + ":" + strconv.FormatInt(msg.Offset, 10)
	}

	id, err := d.tasks.Enqueue(ctx, req)
	if err != nil {
		span.RecordError(err)
		var (
			unregistered *domain.UnregisteredFunctionError
			invalid      *domain.InvalidArgumentsError
			capacity     *domain.CapacityExceededError
		)
		switch {
		case errors.As(err, &unregistered), errors.As(err, &invalid):
			log.Error("submission rejected, sending to DLQ", slog.String("error", err.Error()))
			span.SetStatus(codes.Error, "rejected")
			return d.toDLQ(ctx, msg, req.FunctionName, ReasonRejected, err)
		case errors.As(err, &capacity):
			span.SetStatus(codes.Error, "queue full")
			return fmt.Errorf("queue %s full: %w", capacity.Queue, err)
		default:
			span.SetStatus(codes.Error, "enqueue failed")
			return fmt.Errorf("enqueue %s: %w", req.FunctionName, err)
		}
	}

	span.SetAttributes(attribute.String("task.id", id))
	telemetry.DispatcherTasksRouted.WithLabelValues(req.FunctionName).Inc()
	log.Info("task enqueued", slog.String("task_id", id))
	return nil
}

// toDLQ publishes the rejected submission to kafka.TopicDLQ. A failed
// publish is returned so the offset stays uncommitted.
func (d *Dispatcher) toDLQ(ctx context.Context, msg kafka.Message, function, reason string, cause error) error {
	dl := kafka.DeadLetterMessage{
		FunctionName: function,
		Reason:       reason,
		Payload:      msg.Value,
		FailedAt:     d.now(),
	}
	if cause != nil {
		dl.Reason = reason + ": " + cause.Error()
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.producer.Publish(ctx, kafka.TopicDLQ, string(msg.Key), raw); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	telemetry.DispatcherDLQTotal.Inc()
	return nil
}
