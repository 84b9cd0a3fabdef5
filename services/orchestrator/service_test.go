package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/workflow"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeResumer struct {
	calls  atomic.Int32
	err    error
	waited atomic.Bool
}

func (f *fakeResumer) ResumeActive(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, f.err
}

func (f *fakeResumer) Wait() { f.waited.Store(true) }

func TestRun_ResumesOnEveryTickAndWaitsOnShutdown(t *testing.T) {
	r := &fakeResumer{}
	svc := NewService(r, 5*time.Millisecond, discardLogger)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.True(t, r.waited.Load())
}

func TestRun_KeepsGoingAfterListError(t *testing.T) {
	r := &fakeResumer{err: errors.New("redis down")}
	svc := NewService(r, 5*time.Millisecond, discardLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(ctx)
	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestNewService_DefaultInterval(t *testing.T) {
	assert.Equal(t, defaultResumeInterval, NewService(&fakeResumer{}, 0, discardLogger).interval)
}

// instantRunner completes every task as soon as it is enqueued.
type instantRunner struct {
	mu  sync.Mutex
	seq int
}

func (r *instantRunner) Enqueue(context.Context, client.EnqueueRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("t-%d", r.seq), nil
}

func (r *instantRunner) WaitForResult(_ context.Context, id string, _ time.Duration) (*domain.TaskResult, error) {
	return &domain.TaskResult{TaskID: id, Status: domain.StatusCompleted, Result: json.RawMessage(`{"ok":true}`)}, nil
}

func (r *instantRunner) Cancel(context.Context, string) (domain.Status, error) {
	return domain.StatusCancelled, nil
}

func TestRun_DrivesSubmittedWorkflow(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	store := redisstore.NewWorkflowStore(rc)
	orch := workflow.NewOrchestrator(store, redisstore.NewLease(rc), &instantRunner{},
		workflow.WithLogger(discardLogger),
		workflow.WithResultPollInterval(time.Millisecond),
		workflow.WithCancelCheckInterval(10*time.Millisecond),
	)

	wf, err := workflow.New("nightly",
		workflow.TaskStep("extract", "etl.extract", nil),
		workflow.TaskStep("load", "etl.load", nil, workflow.DependsOn("extract")),
	)
	require.NoError(t, err)
	id, err := orch.Submit(context.Background(), wf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewService(orch, 10*time.Millisecond, discardLogger).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), id)
		return err == nil && got.Status == domain.WorkflowCompleted
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
