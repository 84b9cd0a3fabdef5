package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/schedule"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeTasks struct {
	mu        sync.Mutex
	enqueued  []client.EnqueueRequest
	status    map[string]domain.Status
	cancelled []string
	err       error
	onEnqueue func()
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{status: make(map[string]domain.Status)}
}

func (f *fakeTasks) Enqueue(_ context.Context, req client.EnqueueRequest) (string, error) {
	if f.onEnqueue != nil {
		f.onEnqueue()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, req)
	f.status[req.TaskID] = domain.StatusPending
	return req.TaskID, nil
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (*domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return &domain.TaskRecord{Status: s}, nil
}

func (f *fakeTasks) Cancel(_ context.Context, id string) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	f.status[id] = domain.StatusCancelled
	return domain.StatusCancelled, nil
}

func (f *fakeTasks) set(id string, s domain.Status) {
	f.mu.Lock()
	f.status[id] = s
	f.mu.Unlock()
}

func (f *fakeTasks) requests() []client.EnqueueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.EnqueueRequest(nil), f.enqueued...)
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	rc    *goredis.Client
	store redisstore.ScheduleStore
	lease redisstore.Lease
	tasks *fakeTasks
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return &harness{
		rc:    rc,
		store: redisstore.NewScheduleStore(rc),
		lease: redisstore.NewLease(rc),
		tasks: newFakeTasks(),
		now:   time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC),
	}
}

func (h *harness) scheduler(id string) *Scheduler {
	return NewScheduler(h.store, h.lease, h.tasks, id,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return h.now }),
		WithCheckInterval(10*time.Millisecond),
		WithLeaderTTL(time.Second),
	)
}

// everyMinute stores an enabled schedule whose occurrence at 10:00 is due.
func (h *harness) everyMinute(t *testing.T, policy domain.OverlapPolicy) *domain.ScheduledTask {
	t.Helper()
	next := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := &domain.ScheduledTask{
		ID:           "sched-1",
		Name:         "cleanup",
		FunctionName: "cleanup.run",
		Config:       domain.TaskConfig{QueueName: "default", Metadata: map[string]string{"team": "ops"}},
		Schedule: domain.CronSchedule{
			Expression:    "* * * * *",
			Enabled:       true,
			MaxInstances:  1,
			OverlapPolicy: policy,
		},
		NextRun: &next,
	}
	require.NoError(t, h.store.Save(context.Background(), st))
	return st
}

func (h *harness) reload(t *testing.T, id string) *domain.ScheduledTask {
	t.Helper()
	st, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return st
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestTick_LeaderDispatchesDueSchedule(t *testing.T) {
	h := newHarness(t)
	h.everyMinute(t, domain.OverlapSkip)
	s := h.scheduler("a")

	s.Tick(context.Background())

	assert.True(t, s.IsLeader())
	reqs := h.tasks.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "cleanup.run", reqs[0].FunctionName)
	assert.Equal(t, "sched-1", reqs[0].Config.Metadata["schedule_id"])
	assert.Equal(t, "ops", reqs[0].Config.Metadata["team"])
	assert.Contains(t, reqs[0].Config.Tags, "scheduled")

	st := h.reload(t, "sched-1")
	assert.Equal(t, int64(1), st.RunCount)
	require.NotNil(t, st.LastRun)
	assert.True(t, st.LastRun.Equal(h.now))
	assert.True(t, st.NextRun.Equal(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)))

	instances, err := h.store.Instances(context.Background(), "sched-1")
	require.NoError(t, err)
	assert.Equal(t, []string{reqs[0].TaskID}, instances)

	// Same instant again: nothing is due.
	s.Tick(context.Background())
	assert.Len(t, h.tasks.requests(), 1)
}

func TestTick_FollowerDoesNotDispatch(t *testing.T) {
	h := newHarness(t)
	h.everyMinute(t, domain.OverlapSkip)
	leader := h.scheduler("a")
	follower := h.scheduler("b")

	leader.Tick(context.Background())
	h.now = h.now.Add(time.Minute)
	follower.Tick(context.Background())

	assert.True(t, leader.IsLeader())
	assert.False(t, follower.IsLeader())
	assert.Len(t, h.tasks.requests(), 1)
	assert.Len(t, follower.Schedules(), 1, "followers still cache schedules")
}

func TestTick_SkipWhileInstanceRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.everyMinute(t, domain.OverlapSkip)
	require.NoError(t, h.store.AddInstance(ctx, "sched-1", "old"))
	h.tasks.set("old", domain.StatusRunning)
	s := h.scheduler("a")

	s.Tick(ctx)
	assert.Empty(t, h.tasks.requests())
	st := h.reload(t, "sched-1")
	assert.Zero(t, st.RunCount)
	assert.True(t, st.NextRun.Equal(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)), "skipped occurrence still advances")

	h.tasks.set("old", domain.StatusCompleted)
	h.now = time.Date(2026, 3, 1, 10, 1, 5, 0, time.UTC)
	s.Tick(ctx)

	reqs := h.tasks.requests()
	require.Len(t, reqs, 1)
	instances, err := h.store.Instances(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, []string{reqs[0].TaskID}, instances, "finished instances are forgotten")
}

func TestTick_ReplaceCancelsRunningInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.everyMinute(t, domain.OverlapReplace)
	require.NoError(t, h.store.AddInstance(ctx, "sched-1", "old"))
	h.tasks.set("old", domain.StatusRunning)

	h.scheduler("a").Tick(ctx)

	assert.Equal(t, []string{"old"}, h.tasks.cancelled)
	reqs := h.tasks.requests()
	require.Len(t, reqs, 1)
	instances, err := h.store.Instances(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, []string{reqs[0].TaskID}, instances)
}

func TestTick_AllowIgnoresRunningInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.everyMinute(t, domain.OverlapAllow)
	require.NoError(t, h.store.AddInstance(ctx, "sched-1", "old"))
	h.tasks.set("old", domain.StatusRunning)

	h.scheduler("a").Tick(ctx)

	assert.Len(t, h.tasks.requests(), 1)
	assert.Empty(t, h.tasks.cancelled)
	instances, err := h.store.Instances(ctx, "sched-1")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestTick_EnqueueFailureCountsAndAdvances(t *testing.T) {
	h := newHarness(t)
	h.everyMinute(t, domain.OverlapSkip)
	h.tasks.err = errors.New("queue full")

	h.scheduler("a").Tick(context.Background())

	st := h.reload(t, "sched-1")
	assert.Equal(t, int64(1), st.FailureCount)
	assert.Zero(t, st.RunCount)
	assert.Nil(t, st.LastRun)
	assert.True(t, st.NextRun.Equal(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)))
}

func TestTick_DisabledScheduleIsIgnored(t *testing.T) {
	h := newHarness(t)
	st := h.everyMinute(t, domain.OverlapSkip)
	st.Schedule.Enabled = false
	require.NoError(t, h.store.Save(context.Background(), st))

	h.scheduler("a").Tick(context.Background())
	assert.Empty(t, h.tasks.requests())
}

func TestTick_PauseDuringDispatchSticks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.everyMinute(t, domain.OverlapAllow)
	svc := schedule.NewService(h.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.tasks.onEnqueue = func() {
		_, err := svc.SetEnabled(ctx, "sched-1", false)
		require.NoError(t, err)
	}
	s := h.scheduler("a")

	s.Tick(ctx)
	require.Len(t, h.tasks.requests(), 1)

	st := h.reload(t, "sched-1")
	assert.False(t, st.Schedule.Enabled, "pause survives the leader's write")
	assert.Equal(t, int64(1), st.RunCount)
	assert.True(t, st.NextRun.Equal(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)))

	h.tasks.onEnqueue = nil
	h.now = h.now.Add(5 * time.Minute)
	s.Tick(ctx)
	assert.Len(t, h.tasks.requests(), 1, "paused schedule does not fire")
}

func TestTick_DeleteDuringDispatchSticks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.everyMinute(t, domain.OverlapAllow)
	svc := schedule.NewService(h.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.tasks.onEnqueue = func() {
		require.NoError(t, svc.Delete(ctx, "sched-1"))
	}
	s := h.scheduler("a")

	s.Tick(ctx)
	require.Len(t, h.tasks.requests(), 1)

	_, err := h.store.Get(ctx, "sched-1")
	var notFound *domain.ScheduleNotFoundError
	assert.True(t, errors.As(err, &notFound), "deleted schedule is not written back")
	list, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, s.Schedules())

	h.tasks.onEnqueue = nil
	h.now = h.now.Add(5 * time.Minute)
	s.Tick(ctx)
	assert.Len(t, h.tasks.requests(), 1, "deleted schedule does not fire")
}

func TestTick_ReplayedOccurrenceKeepsTaskID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := h.everyMinute(t, domain.OverlapAllow)

	h.scheduler("a").Tick(ctx)

	// The leader died before its save landed; the successor sees the old record.
	require.NoError(t, h.store.Save(ctx, original))
	require.NoError(t, h.rc.Del(ctx, redisstore.LeaderKey).Err())
	h.scheduler("b").Tick(ctx)

	reqs := h.tasks.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].TaskID, reqs[1].TaskID)
}

func TestRun_ReleasesLeadershipOnShutdown(t *testing.T) {
	h := newHarness(t)
	s := h.scheduler("a")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, s.IsLeader, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	holder, err := h.lease.Holder(context.Background(), redisstore.LeaderKey)
	require.NoError(t, err)
	assert.Empty(t, holder)
	assert.False(t, s.IsLeader())
}

func TestTick_TakesOverExpiredLeadership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.scheduler("a")
	second := h.scheduler("b")

	first.Tick(ctx)
	require.True(t, first.IsLeader())

	require.NoError(t, h.rc.Del(ctx, redisstore.LeaderKey).Err())
	second.Tick(ctx)
	first.Tick(ctx)

	assert.True(t, second.IsLeader())
	assert.False(t, first.IsLeader())
}
