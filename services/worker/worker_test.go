package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/engine"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	mr       *miniredis.Miniredis
	rc       *goredis.Client
	queue    redisstore.Queue
	store    redisstore.StateStore
	registry *handlers.Registry
	engine   *engine.Engine
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	h := &harness{
		mr:       mr,
		rc:       rc,
		queue:    redisstore.NewQueue(rc),
		store:    redisstore.NewStateStore(rc),
		registry: handlers.NewRegistry(),
	}
	h.engine = engine.New(h.registry, h.store, engine.WithLogger(discardLogger))
	return h
}

func (h *harness) register(name string, fn func(ctx context.Context, inv *handlers.Invocation) (any, error)) {
	h.registry.Register(handlers.Func(name, fn))
}

func (h *harness) enqueue(t *testing.T, function string, cfg domain.TaskConfig) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), &domain.Task{FunctionName: function, Config: cfg})
	require.NoError(t, err)
	return id
}

func (h *harness) newWorker(id string, opts ...Option) *Worker {
	base := []Option{
		WithLogger(discardLogger),
		WithPollInterval(5 * time.Millisecond),
		WithCancelPollInterval(10 * time.Millisecond),
	}
	return NewWorker(id, h.queue, h.store, h.engine, append(base, opts...)...)
}

// start runs w in the background and stops it when the test ends.
func start(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		select {
		case <-w.Done():
		default:
			w.Stop(time.Second)
		}
	})
	return errCh
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.store.GetStatus(context.Background(), id)
		return err == nil && got == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func (h *harness) status(t *testing.T, id string) domain.Status {
	t.Helper()
	s, err := h.store.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return s
}

func fastRetries(maxRetries int) domain.TaskConfig {
	return domain.TaskConfig{MaxRetries: maxRetries, RetryDelay: time.Millisecond, RetryBackoffFactor: 1}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestWorker_CompletesTask(t *testing.T) {
	h := newHarness(t)
	h.register("ok", func(context.Context, *handlers.Invocation) (any, error) {
		return map[string]string{"status": "sent"}, nil
	})
	id := h.enqueue(t, "ok", domain.TaskConfig{})

	w := h.newWorker("w1")
	start(t, w)
	h.waitStatus(t, id, domain.StatusCompleted)

	res, err := h.store.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "w1", res.WorkerID)
	assert.JSONEq(t, `{"status":"sent"}`, string(res.Result))

	require.Eventually(t, func() bool { return w.Stats().Succeeded == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register("flaky", func(context.Context, *handlers.Invocation) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	})
	id := h.enqueue(t, "flaky", fastRetries(2))

	w := h.newWorker("w1")
	start(t, w)
	h.waitStatus(t, id, domain.StatusDeadLetter)

	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")

	dead, err := h.queue.ListDeadLetters(context.Background(), domain.DefaultQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Task.ID)
	assert.Contains(t, dead[0].Reason, "max retries (2) exceeded")
	assert.Contains(t, dead[0].Reason, "upstream unavailable")

	require.Eventually(t, func() bool {
		s := w.Stats()
		return s.Retried == 2 && s.DeadLettered == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_NonRetryableGoesStraightToDeadLetter(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register("strict", func(context.Context, *handlers.Invocation) (any, error) {
		calls.Add(1)
		return nil, domain.Permanent(errors.New("card declined"))
	})
	id := h.enqueue(t, "strict", fastRetries(5))

	start(t, h.newWorker("w1"))
	h.waitStatus(t, id, domain.StatusDeadLetter)

	assert.Equal(t, int32(1), calls.Load())
	dead, err := h.queue.ListDeadLetters(context.Background(), domain.DefaultQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "card declined", dead[0].Reason)
}

func TestWorker_UnregisteredFunctionIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "ghost", fastRetries(3))

	start(t, h.newWorker("w1"))
	h.waitStatus(t, id, domain.StatusDeadLetter)
}

func TestWorker_SpecializationHandsBackOtherFunctions(t *testing.T) {
	h := newHarness(t)
	var otherCalls atomic.Int32
	h.register("resize", func(context.Context, *handlers.Invocation) (any, error) { return nil, nil })
	h.register("email", func(context.Context, *handlers.Invocation) (any, error) {
		otherCalls.Add(1)
		return nil, nil
	})
	emailID := h.enqueue(t, "email", domain.TaskConfig{})

	start(t, h.newWorker("w1", WithSpecialization("resize")))
	resizeID := h.enqueue(t, "resize", domain.TaskConfig{})
	h.waitStatus(t, resizeID, domain.StatusCompleted)

	assert.Equal(t, domain.StatusPending, h.status(t, emailID))
	assert.Zero(t, otherCalls.Load())

	rec, err := h.store.GetTask(context.Background(), emailID)
	require.NoError(t, err)
	assert.Zero(t, rec.Task.RetryCount, "hand-back must not consume a retry")
}

func TestWorker_ConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var running, peak atomic.Int32
	h.register("slow", func(ctx context.Context, _ *handlers.Invocation) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ids := make([]string, 4)
	for i := range ids {
		ids[i] = h.enqueue(t, "slow", domain.TaskConfig{})
	}

	w := h.newWorker("w1", WithConcurrency(2))
	start(t, w)

	require.Eventually(t, func() bool { return w.InFlight() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.WorkerBusy, w.Status())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, w.InFlight())

	close(release)
	for _, id := range ids {
		h.waitStatus(t, id, domain.StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
	require.Eventually(t, func() bool { return w.Status() == domain.WorkerIdle }, time.Second, 5*time.Millisecond)
}

func TestWorker_MaxTasksRequestsRestart(t *testing.T) {
	h := newHarness(t)
	h.register("ok", func(context.Context, *handlers.Invocation) (any, error) { return nil, nil })
	first := h.enqueue(t, "ok", domain.TaskConfig{})
	second := h.enqueue(t, "ok", domain.TaskConfig{})

	w := h.newWorker("w1", WithMaxTasks(1))
	errCh := start(t, w)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrRestartRequested)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not request a restart")
	}
	assert.Equal(t, domain.WorkerStopped, w.Status())
	assert.Equal(t, int64(1), w.Stats().Processed)

	statuses := []domain.Status{h.status(t, first), h.status(t, second)}
	assert.ElementsMatch(t, []domain.Status{domain.StatusCompleted, domain.StatusPending}, statuses)
}

func TestWorker_StopTimeoutHandsTaskBack(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register("stuck", func(ctx context.Context, _ *handlers.Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := h.enqueue(t, "stuck", fastRetries(3))

	w := h.newWorker("w1")
	start(t, w)
	<-started

	w.Stop(20 * time.Millisecond)

	assert.Equal(t, domain.WorkerStopped, w.Status())
	rec, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Zero(t, rec.Task.RetryCount)

	depth, err := h.queue.Depth(context.Background(), domain.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWorker_StopWaitsForRunningTask(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register("short", func(context.Context, *handlers.Invocation) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	id := h.enqueue(t, "short", domain.TaskConfig{})

	w := h.newWorker("w1")
	start(t, w)
	<-started
	w.Stop(time.Second)

	assert.Equal(t, domain.StatusCompleted, h.status(t, id))
}

func TestWorker_OperatorCancel(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register("long", func(ctx context.Context, _ *handlers.Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := h.enqueue(t, "long", fastRetries(3))

	start(t, h.newWorker("w1"))
	<-started

	_, err := h.queue.Cancel(context.Background(), id)
	require.NoError(t, err)
	h.waitStatus(t, id, domain.StatusCancelled)

	depth, err := h.queue.Depth(context.Background(), domain.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, depth, "a cancelled task is not retried")
}

func TestWorker_PublishesHeartbeat(t *testing.T) {
	h := newHarness(t)
	hbs := redisstore.NewHeartbeatStore(h.rc)

	w := h.newWorker("w1", WithQueues("emails", "reports"), WithConcurrency(3), WithHeartbeat(hbs, 50*time.Millisecond))
	start(t, w)

	var hb *domain.Heartbeat
	require.Eventually(t, func() bool {
		var err error
		hb, err = hbs.Get(context.Background(), "w1")
		return err == nil && hb != nil && hb.Status == domain.WorkerIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"emails", "reports"}, hb.Queues)
	assert.Equal(t, 3, hb.Concurrency)
	assert.LessOrEqual(t, h.mr.TTL("worker:heartbeat:w1"), 150*time.Millisecond)

	w.Stop(time.Second)
	hb, err := hbs.Get(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, domain.WorkerStopped, hb.Status)
}

func TestWorker_RateLimitLeavesTaskQueued(t *testing.T) {
	h := newHarness(t)
	h.register("ok", func(context.Context, *handlers.Invocation) (any, error) { return nil, nil })
	first := h.enqueue(t, "ok", domain.TaskConfig{})
	second := h.enqueue(t, "ok", domain.TaskConfig{})

	limiter := redisstore.NewRateLimiter(h.rc, 1, time.Minute)
	start(t, h.newWorker("w1", WithRateLimiter(limiter)))

	require.Eventually(t, func() bool {
		a, _ := h.store.GetStatus(context.Background(), first)
		b, _ := h.store.GetStatus(context.Background(), second)
		return a == domain.StatusCompleted || b == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	statuses := []domain.Status{h.status(t, first), h.status(t, second)}
	assert.ElementsMatch(t, []domain.Status{domain.StatusCompleted, domain.StatusPending}, statuses)
}

func TestWorker_PollsQueuesInOrder(t *testing.T) {
	h := newHarness(t)
	var order []string
	done := make(chan struct{}, 2)
	h.register("ok", func(_ context.Context, inv *handlers.Invocation) (any, error) {
		order = append(order, inv.TaskID)
		done <- struct{}{}
		return nil, nil
	})
	low, err := h.queue.Enqueue(context.Background(), &domain.Task{FunctionName: "ok", Config: domain.TaskConfig{QueueName: "bulk"}})
	require.NoError(t, err)
	high, err := h.queue.Enqueue(context.Background(), &domain.Task{FunctionName: "ok", Config: domain.TaskConfig{QueueName: "urgent"}})
	require.NoError(t, err)

	start(t, h.newWorker("w1", WithQueues("urgent", "bulk")))
	<-done
	<-done

	assert.Equal(t, []string{high, low}, order)
}

func TestWorker_PollErrorsStopWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })
	store := redisstore.NewStateStore(rc)
	mr.Close()

	w := NewWorker("w1", redisstore.NewQueue(rc), store,
		engine.New(handlers.NewRegistry(), store, engine.WithLogger(discardLogger)),
		WithLogger(discardLogger),
		WithPollInterval(time.Millisecond),
	)
	select {
	case err := <-start(t, w):
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRestartRequested)
	case <-time.After(10 * time.Second):
		t.Fatal("worker kept polling a dead redis")
	}
	assert.Equal(t, domain.WorkerError, w.Status())
}

func TestWorker_SetStatusIgnoresIdleAfterStop(t *testing.T) {
	h := newHarness(t)
	w := h.newWorker("w1")

	w.setStatus(domain.WorkerIdle)
	w.setStatus(domain.WorkerStopping)
	w.setStatus(domain.WorkerIdle)
	assert.Equal(t, domain.WorkerStopping, w.Status())
}
