//go:build integration

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testBrokers []string
	quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	testBrokers, err = ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	return m.Run()
}

// createTopic creates the topic up front; auto-creation on first publish can
// race and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, base string) string {
	t.Helper()
	topic := fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
	conn, err := segkafka.DialContext(context.Background(), "tcp", testBrokers[0])
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(segkafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
	return topic
}

func TestIntegration_RoundTrip(t *testing.T) {
	topic := createTopic(t, "roundtrip")
	producer := NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, PublishJSON(ctx, producer, topic, "task-1", TaskEvent{Type: EventCompleted, TaskID: "task-1"}))

	consumer := NewConsumer(testBrokers, topic, "group-roundtrip", quietLogger)
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan Message, 1)
	go func() {
		consumer.Subscribe(ctx, func(_ context.Context, m Message) error { //nolint:errcheck
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case m := <-received:
		assert.Equal(t, topic, m.Topic)
		assert.Equal(t, []byte("task-1"), m.Key)
		var ev TaskEvent
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		assert.Equal(t, EventCompleted, ev.Type)
		assert.Equal(t, "task-1", ev.TaskID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestIntegration_HandlerErrorRedeliversInProcess(t *testing.T) {
	topic := createTopic(t, "redeliver")
	producer := NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, producer.Publish(ctx, topic, "k", []byte("payload")))

	consumer := NewConsumer(testBrokers, topic, "group-redeliver", quietLogger)
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		consumer.Subscribe(ctx, func(_ context.Context, _ Message) error { //nolint:errcheck
			if calls.Add(1) < 3 {
				return errors.New("store unavailable")
			}
			close(done)
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
		assert.Equal(t, int32(3), calls.Load())
	case <-ctx.Done():
		t.Fatal("handler was not retried")
	}
}

// An offset is committed only after the handler succeeds, so a second
// consumer in the same group sees a message the first one never finished.
func TestIntegration_UncommittedOffsetIsRedelivered(t *testing.T) {
	topic := createTopic(t, "no-commit")
	group := fmt.Sprintf("group-no-commit-%d", time.Now().UnixNano())
	producer := NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, topic, "k", []byte("redeliver-me")))

	first := NewConsumer(testBrokers, topic, group, quietLogger)
	ctx1, cancel1 := context.WithTimeout(ctx, 30*time.Second)
	seen := make(chan struct{}, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		first.Subscribe(ctx1, func(context.Context, Message) error { //nolint:errcheck
			select {
			case seen <- struct{}{}:
			default:
			}
			cancel1()
			return errors.New("crash before commit")
		})
	}()
	select {
	case <-seen:
	case <-ctx1.Done():
		t.Fatal("first consumer timed out")
	}
	<-stopped
	require.NoError(t, first.Close())

	second := NewConsumer(testBrokers, topic, group, quietLogger)
	t.Cleanup(func() { second.Close() }) //nolint:errcheck
	ctx2, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel2()

	redelivered := make(chan []byte, 1)
	go func() {
		second.Subscribe(ctx2, func(_ context.Context, m Message) error { //nolint:errcheck
			redelivered <- m.Value
			cancel2()
			return nil
		})
	}()
	select {
	case got := <-redelivered:
		assert.Equal(t, []byte("redeliver-me"), got)
	case <-ctx2.Done():
		t.Fatal("message was not redelivered")
	}
}
