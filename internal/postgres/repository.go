package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// AuditRepository keeps a durable history of tasks, executions, dead
// letters and saga runs. Redis holds the live state; this is the archive.
type AuditRepository interface {
	RecordTask(ctx context.Context, task *domain.Task, status domain.Status) error
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	RecordExecution(ctx context.Context, res *domain.TaskResult) error
	RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	RecordSagaRun(ctx context.Context, run *domain.SagaRun) error
	GetTask(ctx context.Context, id string) (*domain.TaskRecord, error)
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.TaskResult, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the AuditRepository interface.
func NewRepository(pool *pgxpool.Pool) AuditRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) RecordTask(ctx context.Context, task *domain.Task, status domain.Status) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	now := time.Now().UTC()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, name, function_name, queue, priority, tenant_id, correlation_id,
			 status, retry_count, payload, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    retry_count = EXCLUDED.retry_count,
		    priority = EXCLUDED.priority,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at
	`,
		task.ID, task.Name, task.FunctionName, task.EffectiveQueue(), string(task.Config.Priority),
		task.TenantID, task.CorrelationID, string(status), task.RetryCount, payload,
		task.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, updated_at = $2, completed_at = $3
		WHERE id = $4
	`, string(status), now, completedAt, id)
	if err != nil {
		return fmt.Errorf("update status for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, res *domain.TaskResult) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(task_id, worker_id, attempt, status, duration_ms, error, result, started_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		res.TaskID, res.WorkerID, res.RetryCount+1, string(res.Status),
		res.ExecutionTime.Milliseconds(), res.Error, nullJSON(res.Result),
		res.StartedAt, res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", res.TaskID, err)
	}
	return nil
}

func (r *repository) RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	payload, err := json.Marshal(dl.Task)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.Task.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO dead_letters (task_id, original_queue, reason, task, failed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, failed_at) DO NOTHING
	`, dl.Task.ID, dl.OriginalQueue, dl.Reason, payload, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.Task.ID, err)
	}
	return nil
}

func (r *repository) RecordSagaRun(ctx context.Context, run *domain.SagaRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps %s: %w", run.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO saga_runs (id, name, status, failed_step, error, steps, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    failed_step = EXCLUDED.failed_step,
		    error = EXCLUDED.error,
		    steps = EXCLUDED.steps,
		    completed_at = EXCLUDED.completed_at
	`, run.ID, run.Name, string(run.Status), run.FailedStep, run.Error, steps, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("record saga run %s: %w", run.ID, err)
	}
	return nil
}

func (r *repository) GetTask(ctx context.Context, id string) (*domain.TaskRecord, error) {
	var (
		payload []byte
		rec     domain.TaskRecord
		status  string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT payload, status, queue
		FROM tasks
		WHERE id = $1
	`, id).Scan(&payload, &status, &rec.Queue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	rec.Task = &domain.Task{}
	if err := json.Unmarshal(payload, rec.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	rec.Status = domain.Status(status)
	return &rec, nil
}

func (r *repository) ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.TaskResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, worker_id, attempt, status, duration_ms, error, result, started_at, completed_at
		FROM task_executions
		WHERE task_id = $1
		ORDER BY completed_at
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*domain.TaskResult
	for rows.Next() {
		res, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.TaskResult, error) {
	var (
		res        domain.TaskResult
		attempt    int
		status     string
		durationMs int64
		result     []byte
	)
	err := row.Scan(&res.TaskID, &res.WorkerID, &attempt, &status, &durationMs,
		&res.Error, &result, &res.StartedAt, &res.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	res.Status = domain.Status(status)
	res.RetryCount = attempt - 1
	res.ExecutionTime = time.Duration(durationMs) * time.Millisecond
	if len(result) > 0 {
		res.Result = result
	}
	return &res, nil
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
