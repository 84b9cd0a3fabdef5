package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

func TestStateStore_ResultAndProgress(t *testing.T) {
	_, c := newTestClient(t)
	store := NewStateStore(c)
	ctx := context.Background()

	_, err := store.GetResult(ctx, "t1")
	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound))

	require.NoError(t, store.SetResult(ctx, &domain.TaskResult{
		TaskID: "t1", Status: domain.StatusCompleted, Result: json.RawMessage(`{"ok":true}`),
	}, 0))
	res, err := store.GetResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	require.NoError(t, store.SetProgress(ctx, "t1", domain.Progress{Percentage: 40, Message: "copying"}))
	p, err := store.GetProgress(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, p.Percentage)
	assert.Equal(t, "copying", p.Message)
}

func TestStateStore_SetStatusRequiresRecord(t *testing.T) {
	_, c := newTestClient(t)
	store := NewStateStore(c)
	ctx := context.Background()

	err := store.SetStatus(ctx, "ghost", domain.StatusRunning)
	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound))

	id, err := NewQueue(c).Enqueue(ctx, newTask("real", domain.PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, id, domain.StatusRunning))

	status, err := store.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)
}

func TestLease_LeaderExclusivity(t *testing.T) {
	mr, c := newTestClient(t)
	lease := NewLease(c)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := lease.Acquire(ctx, LeaderKey, owner, 30*time.Second)
			if err == nil && ok {
				winners.Add(1)
			}
		}(fmt.Sprintf("scheduler-%d", i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())

	leader, err := lease.Holder(ctx, LeaderKey)
	require.NoError(t, err)
	require.NotEmpty(t, leader)

	ok, err := lease.Acquire(ctx, LeaderKey, leader, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "the holder renews its own lease")

	// The leader dies without releasing; once the TTL passes another
	// instance takes over.
	mr.FastForward(31 * time.Second)
	ok, err = lease.Acquire(ctx, LeaderKey, "scheduler-new", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := lease.Release(ctx, LeaderKey, leader)
	require.NoError(t, err)
	assert.False(t, released, "a former leader cannot release someone else's lease")
	released, err = lease.Release(ctx, LeaderKey, "scheduler-new")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	_, c := newTestClient(t)
	limiter := NewRateLimiter(c, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "worker:w1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "worker:w1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "worker:w2")
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")

	n, err := c.ZCard(ctx, rateLimitKey("worker:w1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "rejected calls are not recorded")
}

func TestHeartbeatStore(t *testing.T) {
	mr, c := newTestClient(t)
	store := NewHeartbeatStore(c)
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, &domain.Heartbeat{WorkerID: "w1", Status: domain.WorkerIdle}, 15*time.Second))
	hb, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, domain.WorkerIdle, hb.Status)

	mr.FastForward(16 * time.Second)
	hb, err = store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, hb, "an expired heartbeat reads as missing")

	require.NoError(t, store.Register(ctx, &domain.WorkerRegistration{WorkerID: "w1", Queues: []string{"default"}}))
	require.NoError(t, store.Register(ctx, &domain.WorkerRegistration{WorkerID: "w2", Queues: []string{"emails"}}))
	regs, err := store.Registered(ctx)
	require.NoError(t, err)
	assert.Len(t, regs, 2)

	require.NoError(t, store.Unregister(ctx, "w1"))
	regs, err = store.Registered(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "w2", regs[0].WorkerID)
}

func TestScheduleStore(t *testing.T) {
	_, c := newTestClient(t)
	store := NewScheduleStore(c)
	ctx := context.Background()

	sched := &domain.ScheduledTask{ID: "nightly", FunctionName: "reports.build", Schedule: domain.CronSchedule{Expression: "0 2 * * *"}}
	require.NoError(t, store.Save(ctx, sched))

	got, err := store.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.Schedule.Expression)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.AddInstance(ctx, "nightly", "t1"))
	require.NoError(t, store.AddInstance(ctx, "nightly", "t2"))
	require.NoError(t, store.RemoveInstances(ctx, "nightly", "t1"))
	ids, err := store.Instances(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids)

	require.NoError(t, store.Delete(ctx, "nightly"))
	_, err = store.Get(ctx, "nightly")
	var notFound *domain.ScheduleNotFoundError
	assert.True(t, errors.As(err, &notFound))
	assert.True(t, errors.As(store.Delete(ctx, "nightly"), &notFound))
}

func TestScheduleStore_RecordRunKeepsDefinition(t *testing.T) {
	_, c := newTestClient(t)
	store := NewScheduleStore(c)
	ctx := context.Background()

	sched := &domain.ScheduledTask{ID: "nightly", FunctionName: "reports.build", Schedule: domain.CronSchedule{Expression: "0 2 * * *", Enabled: false}}
	require.NoError(t, store.Save(ctx, sched))

	next := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	last := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	got, err := store.RecordRun(ctx, "nightly", ScheduleProgress{
		NextRun:   &next,
		LastRun:   &last,
		RunCount:  3,
		UpdatedAt: last,
	})
	require.NoError(t, err)
	assert.False(t, got.Schedule.Enabled)
	assert.Equal(t, int64(3), got.RunCount)

	stored, err := store.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.False(t, stored.Schedule.Enabled)
	assert.Equal(t, "reports.build", stored.FunctionName)
	assert.True(t, stored.NextRun.Equal(next))

	require.NoError(t, store.Delete(ctx, "nightly"))
	_, err = store.RecordRun(ctx, "nightly", ScheduleProgress{NextRun: &next})
	var notFound *domain.ScheduleNotFoundError
	assert.True(t, errors.As(err, &notFound))
	ids, err := c.SMembers(ctx, schedulesKey).Result()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWorkflowStore_ActiveIndex(t *testing.T) {
	_, c := newTestClient(t)
	store := NewWorkflowStore(c)
	ctx := context.Background()

	wf := &domain.Workflow{ID: "wf1", Name: "onboarding", Status: domain.WorkflowRunning}
	require.NoError(t, store.Save(ctx, wf))
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf1"}, active)

	wf.Status = domain.WorkflowCompleted
	require.NoError(t, store.Save(ctx, wf))
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := store.Get(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, got.Status)

	_, err = store.Get(ctx, "missing")
	var notFound *domain.WorkflowNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestWorkflowStore_CancelFlag(t *testing.T) {
	_, c := newTestClient(t)
	store := NewWorkflowStore(c)
	ctx := context.Background()

	requested, err := store.CancelRequested(ctx, "wf1")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, store.RequestCancel(ctx, "wf1"))
	requested, err = store.CancelRequested(ctx, "wf1")
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestWorkflowStore_PauseLeavesActiveIndex(t *testing.T) {
	mr, c := newTestClient(t)
	store := NewWorkflowStore(c)
	ctx := context.Background()

	require.NoError(t, store.RequestPause(ctx, "wf1"))
	requested, err := store.PauseRequested(ctx, "wf1")
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, store.Save(ctx, &domain.Workflow{ID: "wf1", Status: domain.WorkflowPaused}))
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Zero(t, mr.TTL(workflowKey("wf1")), "paused workflows do not expire")

	require.NoError(t, store.ClearPause(ctx, "wf1"))
	requested, err = store.PauseRequested(ctx, "wf1")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, store.Save(ctx, &domain.Workflow{ID: "wf1", Status: domain.WorkflowRunning}))
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf1"}, active)
}

func TestSagaStore_KeepsFailedCompensations(t *testing.T) {
	mr, c := newTestClient(t)
	store := NewSagaStore(c)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.SagaRun{ID: "s1", Status: domain.SagaCompensationFailed}))
	assert.Zero(t, mr.TTL(sagaKey("s1")))

	require.NoError(t, store.Save(ctx, &domain.SagaRun{ID: "s2", Status: domain.SagaCompleted}))
	assert.Equal(t, sagaRetention, mr.TTL(sagaKey("s2")))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensationFailed, got.Status)
}

func TestIdempotencyStore(t *testing.T) {
	_, c := newTestClient(t)
	store := NewIdempotencyStore(c)
	ctx := context.Background()

	v, claimed, err := store.Claim(ctx, "submit:order-1", "task-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "task-1", v)

	v, claimed, err = store.Claim(ctx, "submit:order-1", "task-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "task-1", v)

	_, found, err := store.Get(ctx, "result:r1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "result:r1", json.RawMessage(`{"n":1}`), time.Hour))
	raw, found, err := store.Get(ctx, "result:r1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	require.NoError(t, store.Release(ctx, "submit:order-1"))
	_, claimed, err = store.Claim(ctx, "submit:order-1", "task-3", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed, "a released key can be claimed again")
}
