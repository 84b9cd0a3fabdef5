//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// newRepo starts a Postgres container, applies the migrations and returns a
// repository bound to it.
func newRepo(t *testing.T) AuditRepository {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("flow"),
		tcPostgres.WithUsername("flow"),
		tcPostgres.WithPassword("flow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, Migrate(ctx, dsn, "up", logger))

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewRepository(pool)
}

func makeTask(function string) *domain.Task {
	return &domain.Task{
		ID:           uuid.NewString(),
		FunctionName: function,
		Kwargs:       json.RawMessage(`{"to":"a@example.com"}`),
		Config:       domain.DefaultTaskConfig(),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestRepository(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	t.Run("record and get task", func(t *testing.T) {
		task := makeTask("email.send")
		require.NoError(t, repo.RecordTask(ctx, task, domain.StatusPending))

		got, err := repo.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, "email.send", got.Task.FunctionName)
		assert.Equal(t, domain.DefaultQueue, got.Queue)

		require.NoError(t, repo.UpdateStatus(ctx, task.ID, domain.StatusCompleted))
		got, err = repo.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := repo.GetTask(ctx, uuid.NewString())
		var notFound *domain.TaskNotFoundError
		require.ErrorAs(t, err, &notFound)
		require.ErrorAs(t, repo.UpdateStatus(ctx, uuid.NewString(), domain.StatusFailed), &notFound)
	})

	t.Run("executions are listed in order", func(t *testing.T) {
		task := makeTask("http.request")
		require.NoError(t, repo.RecordTask(ctx, task, domain.StatusRunning))

		start := time.Now().UTC()
		for i := 0; i < 2; i++ {
			require.NoError(t, repo.RecordExecution(ctx, &domain.TaskResult{
				TaskID:        task.ID,
				Status:        domain.StatusFailed,
				Error:         "boom",
				RetryCount:    i,
				ExecutionTime: 42 * time.Millisecond,
				StartedAt:     start.Add(time.Duration(i) * time.Second),
				CompletedAt:   start.Add(time.Duration(i)*time.Second + 42*time.Millisecond),
			}))
		}
		require.NoError(t, repo.RecordExecution(ctx, &domain.TaskResult{
			TaskID:      task.ID,
			Status:      domain.StatusCompleted,
			Result:      json.RawMessage(`{"status_code":200}`),
			RetryCount:  2,
			StartedAt:   start.Add(5 * time.Second),
			CompletedAt: start.Add(6 * time.Second),
		}))

		execs, err := repo.ListExecutions(ctx, task.ID, 10)
		require.NoError(t, err)
		require.Len(t, execs, 3)
		assert.Equal(t, 0, execs[0].RetryCount)
		assert.Equal(t, 42*time.Millisecond, execs[0].ExecutionTime)
		assert.Equal(t, domain.StatusCompleted, execs[2].Status)
		assert.JSONEq(t, `{"status_code":200}`, string(execs[2].Result))
	})

	t.Run("dead letters and saga runs", func(t *testing.T) {
		task := makeTask("email.send")
		dl := &domain.DeadLetter{Task: task, Reason: "max retries", OriginalQueue: "default", FailedAt: time.Now().UTC()}
		require.NoError(t, repo.RecordDeadLetter(ctx, dl))
		require.NoError(t, repo.RecordDeadLetter(ctx, dl), "archiving the same dead letter twice is harmless")

		run := &domain.SagaRun{ID: uuid.NewString(), Name: "order", Status: domain.SagaRunning, StartedAt: time.Now().UTC()}
		require.NoError(t, repo.RecordSagaRun(ctx, run))
		run.Status = domain.SagaCompensated
		run.FailedStep = "charge"
		require.NoError(t, repo.RecordSagaRun(ctx, run))
	})
}
