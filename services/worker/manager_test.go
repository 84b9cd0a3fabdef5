package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
)

func (h *harness) newManager(t *testing.T, cfg ManagerConfig, workerOpts ...Option) *Manager {
	t.Helper()
	factory := func(id string, queues []string) *Worker {
		return h.newWorker(id, append([]Option{WithQueues(queues...)}, workerOpts...)...)
	}
	m := NewManager(cfg, h.queue, factory,
		WithRegistry(redisstore.NewHeartbeatStore(h.rc)),
		WithManagerLogger(discardLogger),
	)
	t.Cleanup(m.stopAll)
	return m
}

func (m *Manager) workerFor(id string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mw, ok := m.workers[id]; ok {
		return mw.worker
	}
	return nil
}

func (h *harness) registered(t *testing.T) int {
	t.Helper()
	regs, err := redisstore.NewHeartbeatStore(h.rc).Registered(context.Background())
	require.NoError(t, err)
	return len(regs)
}

func TestManager_ScalesWithQueueDepth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newManager(t, ManagerConfig{
		Queues:             []string{"jobs"},
		MinWorkersPerQueue: 1,
		MaxWorkersPerQueue: 3,
		ScaleUpDepth:       2,
		StopTimeout:        time.Second,
	})

	later := time.Now().Add(time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.queue.Enqueue(ctx, &domain.Task{
			FunctionName: "report",
			Config:       domain.TaskConfig{QueueName: "jobs"},
			ScheduledAt:  &later,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	m.startPool(ctx)
	assert.Equal(t, 1, m.Count("jobs"))

	m.check(ctx)
	assert.Equal(t, 2, m.Count("jobs"))
	m.check(ctx)
	m.check(ctx)
	assert.Equal(t, 3, m.Count("jobs"), "capped at MaxWorkersPerQueue")
	assert.Equal(t, 3, h.registered(t))

	for _, id := range ids {
		status, err := h.queue.Cancel(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusCancelled, status)
	}

	m.check(ctx)
	assert.Equal(t, 2, m.Count("jobs"))
	m.check(ctx)
	m.check(ctx)
	assert.Equal(t, 1, m.Count("jobs"), "never below MinWorkersPerQueue")
	assert.Equal(t, 1, h.registered(t))
}

func TestManager_RestartsWorkerThatRequestedIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register("ok", func(context.Context, *handlers.Invocation) (any, error) { return nil, nil })
	m := h.newManager(t, ManagerConfig{Queues: []string{domain.DefaultQueue}}, WithMaxTasks(1))

	m.startPool(ctx)
	require.Len(t, m.Workers(), 1)
	id := m.Workers()[0].WorkerID
	first := m.workerFor(id)

	h.enqueue(t, "ok", domain.TaskConfig{})
	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker never asked for a restart")
	}

	m.check(ctx)
	replacement := m.workerFor(id)
	require.NotNil(t, replacement)
	assert.NotSame(t, first, replacement)
	assert.Equal(t, []string{domain.DefaultQueue}, replacement.Queues())

	second := h.enqueue(t, "ok", domain.TaskConfig{})
	h.waitStatus(t, second, domain.StatusCompleted)
}

func TestManager_RecoversStaleWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hbs := redisstore.NewHeartbeatStore(h.rc)
	m := h.newManager(t, ManagerConfig{
		Queues:        []string{domain.DefaultQueue},
		CheckInterval: time.Second,
		StaleAfter:    10 * time.Second,
	}, WithHeartbeat(hbs, time.Hour))

	var skew atomic.Int64
	m.now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }

	m.startPool(ctx)
	id := m.Workers()[0].WorkerID
	first := m.workerFor(id)
	require.Eventually(t, func() bool {
		hb, err := hbs.Get(ctx, id)
		return err == nil && hb != nil
	}, time.Second, 5*time.Millisecond)

	m.check(ctx)
	assert.Same(t, first, m.workerFor(id), "fresh heartbeat keeps the worker")

	skew.Store(int64(time.Minute))
	m.check(ctx)
	replacement := m.workerFor(id)
	assert.NotSame(t, first, replacement)
	assert.Equal(t, domain.WorkerStopped, first.Status())

	m.check(ctx)
	assert.Same(t, replacement, m.workerFor(id), "a just-started worker gets a grace period")
}

func TestManager_ReapsExpiredLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := redisstore.NewQueue(h.rc, redisstore.WithLeaseTTL(time.Millisecond))
	m := NewManager(ManagerConfig{Queues: []string{"jobs"}}, q, nil, WithManagerLogger(discardLogger))

	id, err := q.Enqueue(ctx, &domain.Task{FunctionName: "report", Config: domain.TaskConfig{QueueName: "jobs"}})
	require.NoError(t, err)
	leased, err := q.Dequeue(ctx, "jobs", "crashed-worker", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	time.Sleep(5 * time.Millisecond)
	m.reap(ctx)

	rec, err := h.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Redeliveries)
}

func TestManagerConfig_Defaults(t *testing.T) {
	cfg := ManagerConfig{MinWorkersPerQueue: 2, CheckInterval: 5 * time.Second}.withDefaults()

	assert.Equal(t, []string{domain.DefaultQueue}, cfg.Queues)
	assert.Equal(t, 2, cfg.MaxWorkersPerQueue)
	assert.Equal(t, int64(10), cfg.ScaleUpDepth)
	assert.Equal(t, 15*time.Second, cfg.StaleAfter)
	assert.Equal(t, defaultStopTimeout, cfg.StopTimeout)
}
