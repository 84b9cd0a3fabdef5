package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/schedule"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/workflow"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/middleware"
)

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	secret        = []byte("test-secret-test-secret-test-secret")
)

// ── harness ──────────────────────────────────────────────────────────────────

type fakeHistory struct {
	execs []*domain.TaskResult
}

func (f *fakeHistory) ListExecutions(_ context.Context, taskID string, limit int) ([]*domain.TaskResult, error) {
	var out []*domain.TaskResult
	for _, e := range f.execs {
		if e.TaskID == taskID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type gateway struct {
	srv   *httptest.Server
	queue redisstore.Queue
	token string
}

func newGateway(t *testing.T, authSecret []byte, history handler.History) *gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	queue := redisstore.NewQueue(rc)
	tasks := client.New(queue, redisstore.NewStateStore(rc))
	workflows := workflow.NewOrchestrator(redisstore.NewWorkflowStore(rc), redisstore.NewLease(rc), tasks,
		workflow.WithLogger(discardLogger))
	schedules := schedule.NewService(redisstore.NewScheduleStore(rc), discardLogger)

	rest := handler.NewREST(tasks, queue, workflows, schedules, history, discardLogger)
	r := chi.NewRouter()
	r.Get("/healthz", handler.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(authSecret, discardLogger))
		rest.Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, queue: queue}
}

func (g *gateway) as(t *testing.T, tenant string) *gateway {
	t.Helper()
	token, err := middleware.SignToken(secret, tenant, "test", time.Hour, time.Now())
	require.NoError(t, err)
	cp := *g
	cp.token = token
	return &cp
}

func (g *gateway) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, g.srv.URL+path, rd)
	require.NoError(t, err)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func taskBody() map[string]any {
	return map[string]any{
		"function_name": "reports.build",
		"kwargs":        map[string]any{"month": "2026-09"},
		"config":        map[string]any{"queue_name": "default", "priority": "high"},
	}
}

// ── tasks ────────────────────────────────────────────────────────────────────

func TestTasks_SubmitGetCancel(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, body := g.do(t, http.MethodPost, "/api/v1/tasks", taskBody())
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["task_id"].(string)
	assert.Equal(t, "pending", body["status"])

	code, body = g.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])

	code, body = g.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])

	// Cancelled before any attempt finished: there is no result.
	code, _ = g.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/result", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTasks_Errors(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, _ := g.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = g.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"kwargs": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = g.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"function_name": "f", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")

	body := taskBody()
	body["config"] = map[string]any{"priority": "urgent"}
	code, _ = g.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTasks_Executions(t *testing.T) {
	g := newGateway(t, nil, nil)
	code, body := g.do(t, http.MethodPost, "/api/v1/tasks", taskBody())
	require.Equal(t, http.StatusAccepted, code)
	code, _ = g.do(t, http.MethodGet, "/api/v1/tasks/"+body["task_id"].(string)+"/executions", nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	history := &fakeHistory{}
	g = newGateway(t, nil, history)
	code, body = g.do(t, http.MethodPost, "/api/v1/tasks", taskBody())
	require.Equal(t, http.StatusAccepted, code)
	id := body["task_id"].(string)
	history.execs = []*domain.TaskResult{
		{TaskID: id, Status: domain.StatusFailed},
		{TaskID: id, Status: domain.StatusCompleted, RetryCount: 1},
	}

	code, body = g.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/executions?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["executions"], 1)

	code, _ = g.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/executions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// ── auth ─────────────────────────────────────────────────────────────────────

func TestAuth_TenantIsolation(t *testing.T) {
	g := newGateway(t, secret, nil)

	code, _ := g.do(t, http.MethodPost, "/api/v1/tasks", taskBody())
	assert.Equal(t, http.StatusUnauthorized, code)

	bad := *g
	bad.token = "not.a.token"
	code, _ = bad.do(t, http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	acme, globex := g.as(t, "acme"), g.as(t, "globex")
	code, body := acme.do(t, http.MethodPost, "/api/v1/tasks", taskBody())
	require.Equal(t, http.StatusAccepted, code)
	id := body["task_id"].(string)

	code, body = acme.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "acme:default", body["queue"])

	code, _ = globex.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = globex.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = acme.do(t, http.MethodGet, "/api/v1/queues/default/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "acme:default", body["queue"])
	assert.EqualValues(t, 1, body["current_size"])

	code, body = globex.do(t, http.MethodGet, "/api/v1/queues/default/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["current_size"])
}

func TestAuth_ExpiredToken(t *testing.T) {
	g := newGateway(t, secret, nil)
	token, err := middleware.SignToken(secret, "acme", "test", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	g.token = token

	code, body := g.do(t, http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "token expired", body["error"])
}

// ── queues ───────────────────────────────────────────────────────────────────

func TestQueues_DeadLetterReplay(t *testing.T) {
	g := newGateway(t, nil, nil)
	ctx := context.Background()

	code, body := g.do(t, http.MethodPost, "/api/v1/tasks", taskBody())
	require.Equal(t, http.StatusAccepted, code)
	id := body["task_id"].(string)

	task, err := g.queue.Dequeue(ctx, "default", "w1", 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, g.queue.MoveToDeadLetter(ctx, task, "boom", "w1"))

	code, body = g.do(t, http.MethodGet, "/api/v1/queues/default/dead-letters", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["dead_letters"], 1)

	code, _ = g.do(t, http.MethodPost, "/api/v1/queues/default/dead-letters/"+id+"/replay", nil)
	require.Equal(t, http.StatusAccepted, code)

	code, _ = g.do(t, http.MethodPost, "/api/v1/queues/default/dead-letters/"+id+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, code)

	depth, err := g.queue.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

// ── workflows ────────────────────────────────────────────────────────────────

func TestWorkflows_SubmitStatusCancel(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, body := g.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":    "etl",
		"context": map[string]any{"region": "eu"},
		"steps": []map[string]any{
			{"step_id": "extract", "type": "task", "function_name": "etl.extract"},
			{"step_id": "load", "type": "task", "function_name": "etl.load", "depends_on": []string{"extract"}},
		},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["workflow_id"].(string)

	code, body = g.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 0, body["progress_percentage"])

	code, body = g.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])

	code, _ = g.do(t, http.MethodGet, "/api/v1/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWorkflows_PauseResume(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, body := g.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":  "etl",
		"steps": []map[string]any{{"step_id": "extract", "type": "task", "function_name": "etl.extract"}},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["workflow_id"].(string)

	code, body = g.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "paused", body["status"])

	code, body = g.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["status"])

	code, body = g.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "pending", body["status"])

	code, _ = g.do(t, http.MethodPost, "/api/v1/workflows/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWorkflows_RejectsCycle(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, body := g.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name": "loop",
		"steps": []map[string]any{
			{"step_id": "a", "type": "task", "function_name": "f", "depends_on": []string{"b"}},
			{"step_id": "b", "type": "task", "function_name": "f", "depends_on": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["cycle"])
	assert.Contains(t, body["error"], "cycle")
}

// ── schedules ────────────────────────────────────────────────────────────────

func TestSchedules_Lifecycle(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, body := g.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":          "nightly report",
		"function_name": "reports.build",
		"schedule":      map[string]any{"expression": "0 2 * * *", "timezone": "Europe/Berlin", "enabled": true},
	})
	require.Equal(t, http.StatusCreated, code, body)
	id := body["schedule_id"].(string)
	assert.NotEmpty(t, body["next_run"])

	code, body = g.do(t, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["schedules"], 1)

	code, body = g.do(t, http.MethodPost, "/api/v1/schedules/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["schedule"].(map[string]any)["enabled"])

	code, _ = g.do(t, http.MethodDelete, "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = g.do(t, http.MethodGet, "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSchedules_InvalidExpression(t *testing.T) {
	g := newGateway(t, nil, nil)

	code, _ := g.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"function_name": "reports.build",
		"schedule":      map[string]any{"expression": "every day at noon"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	g := newGateway(t, secret, nil)
	code, body := g.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
