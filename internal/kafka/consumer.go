package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic     string
	Partition int
	Key       []byte
	Value     []byte
	Offset    int64
	Headers   []kafka.Header
}

// HandlerFunc processes a single Kafka message. Returning an error leaves the
// offset uncommitted and the same message is handed over again after a
// backoff, so only transient failures should be reported that way.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

const (
	minRedeliveryDelay = 200 * time.Millisecond
	maxRedeliveryDelay = 10 * time.Second
)

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a Kafka consumer for the given topic and consumer group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe reads messages until ctx is cancelled. Offsets are committed only
// after the handler returns nil (at-least-once delivery).
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Key:       m.Key,
			Value:     m.Value,
			Offset:    m.Offset,
			Headers:   m.Headers,
		}
		msgCtx := extractTrace(ctx, m.Headers)

		if !c.handleUntilDone(msgCtx, msg, handler) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleUntilDone retries the handler with doubling delays. It returns false
// when ctx ends before the handler succeeds.
func (c *consumer) handleUntilDone(ctx context.Context, msg Message, handler HandlerFunc) bool {
	delay := minRedeliveryDelay
	for {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		c.logger.Warn("message handler failed, offset not committed",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRedeliveryDelay)
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
