// Package handler implements the gateway's REST and gRPC surfaces.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/client"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/workflow"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/middleware"
)

const defaultListLimit = 100

// Tasks is satisfied by *client.Client.
type Tasks interface {
	Enqueue(ctx context.Context, req client.EnqueueRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)
	GetProgress(ctx context.Context, taskID string) (*domain.Progress, error)
	Cancel(ctx context.Context, taskID string) (domain.Status, error)
}

// Queues is the subset of redis.Queue the gateway exposes.
type Queues interface {
	GetQueueStats(ctx context.Context, queue string) (*domain.QueueStats, error)
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, queue, taskID string) error
}

// Workflows is satisfied by *workflow.Orchestrator.
type Workflows interface {
	Submit(ctx context.Context, wf *domain.Workflow) (string, error)
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	Status(ctx context.Context, id string) (*domain.WorkflowStatusReport, error)
	Cancel(ctx context.Context, id string) (domain.WorkflowStatus, error)
	Pause(ctx context.Context, id string) (domain.WorkflowStatus, error)
	Resume(ctx context.Context, id string) (domain.WorkflowStatus, error)
}

// Schedules is satisfied by *schedule.Service.
type Schedules interface {
	Create(ctx context.Context, st *domain.ScheduledTask) (*domain.ScheduledTask, error)
	Get(ctx context.Context, id string) (*domain.ScheduledTask, error)
	List(ctx context.Context) ([]*domain.ScheduledTask, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*domain.ScheduledTask, error)
	Delete(ctx context.Context, id string) error
}

// History reads the Postgres audit trail. It is optional.
type History interface {
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*domain.TaskResult, error)
}

// REST serves /api/v1.
type REST struct {
	tasks     Tasks
	queues    Queues
	workflows Workflows
	schedules Schedules
	history   History
	logger    *slog.Logger
}

// NewREST creates a REST handler. history may be nil.
func NewREST(tasks Tasks, queues Queues, workflows Workflows, schedules Schedules, history History, logger *slog.Logger) *REST {
	return &REST{
		tasks:     tasks,
		queues:    queues,
		workflows: workflows,
		schedules: schedules,
		history:   history,
		logger:    logger,
	}
}

// Routes mounts the API on r.
func (h *REST) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/{id}", h.GetTask)
		r.Get("/{id}/result", h.GetResult)
		r.Get("/{id}/progress", h.GetProgress)
		r.Get("/{id}/executions", h.ListExecutions)
		r.Post("/{id}/cancel", h.CancelTask)
	})
	r.Route("/queues/{name}", func(r chi.Router) {
		r.Get("/stats", h.QueueStats)
		r.Get("/dead-letters", h.ListDeadLetters)
		r.Post("/dead-letters/{id}/replay", h.ReplayDeadLetter)
	})
	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", h.SubmitWorkflow)
		r.Get("/{id}", h.WorkflowStatus)
		r.Post("/{id}/cancel", h.CancelWorkflow)
		r.Post("/{id}/pause", h.PauseWorkflow)
		r.Post("/{id}/resume", h.ResumeWorkflow)
	})
	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.CreateSchedule)
		r.Get("/", h.ListSchedules)
		r.Get("/{id}", h.GetSchedule)
		r.Post("/{id}/pause", h.setScheduleEnabled(false))
		r.Post("/{id}/resume", h.setScheduleEnabled(true))
		r.Delete("/{id}", h.DeleteSchedule)
	})
}

// ── tasks ────────────────────────────────────────────────────────────────────

// SubmitTaskResponse is the 202 body of POST /tasks.
type SubmitTaskResponse struct {
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "api_gateway.submit_task")
	defer span.End()

	var req client.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	req.TenantID = middleware.TenantID(ctx)
	span.SetAttributes(attribute.String("task.function", req.FunctionName))

	id, err := h.tasks.Enqueue(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", id))
	telemetry.APITasksSubmitted.WithLabelValues(req.FunctionName).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", id),
		slog.String("function", req.FunctionName),
		slog.String("tenant_id", req.TenantID),
	)
	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id, Status: domain.StatusPending})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetResult handles GET /api/v1/tasks/{id}/result.
func (h *REST) GetResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	res, err := h.tasks.GetResult(r.Context(), rec.Task.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetProgress handles GET /api/v1/tasks/{id}/progress.
func (h *REST) GetProgress(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	p, err := h.tasks.GetProgress(r.Context(), rec.Task.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListExecutions handles GET /api/v1/tasks/{id}/executions.
func (h *REST) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "audit trail not configured")
		return
	}
	rec, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	execs, err := h.history.ListExecutions(r.Context(), rec.Task.ID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": rec.Task.ID, "executions": execs})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	status, err := h.tasks.Cancel(r.Context(), rec.Task.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitTaskResponse{TaskID: rec.Task.ID, Status: status})
}

// ownedTask loads the task named in the URL. Tasks of other tenants are
// reported as missing.
func (h *REST) ownedTask(w http.ResponseWriter, r *http.Request) (*domain.TaskRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if rec.Task == nil || !visible(r.Context(), rec.Task.TenantID) {
		h.fail(w, r, &domain.TaskNotFoundError{TaskID: id})
		return nil, false
	}
	return rec, true
}

// ── queues ───────────────────────────────────────────────────────────────────

// QueueStats handles GET /api/v1/queues/{name}/stats.
func (h *REST) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queues.GetQueueStats(r.Context(), queueName(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListDeadLetters handles GET /api/v1/queues/{name}/dead-letters.
func (h *REST) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	queue := queueName(r)
	dls, err := h.queues.ListDeadLetters(r.Context(), queue, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "dead_letters": dls})
}

// ReplayDeadLetter handles POST /api/v1/queues/{name}/dead-letters/{id}/replay.
func (h *REST) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	queue, id := queueName(r), chi.URLParam(r, "id")
	if err := h.queues.ReplayDeadLetter(r.Context(), queue, id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("dead letter replayed", slog.String("queue", queue), slog.String("task_id", id))
	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id, Status: domain.StatusPending})
}

// queueName scopes the URL queue name to the caller's tenant.
func queueName(r *http.Request) string {
	return domain.QueueName(middleware.TenantID(r.Context()), chi.URLParam(r, "name"))
}

// ── workflows ────────────────────────────────────────────────────────────────

// WorkflowRequest is the body of POST /workflows.
type WorkflowRequest struct {
	Name          string                 `json:"name"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Context       map[string]any         `json:"context,omitempty"`
	Steps         []*domain.WorkflowStep `json:"steps"`
}

// WorkflowResponse is returned by workflow submission and cancellation.
type WorkflowResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Status     domain.WorkflowStatus `json:"status"`
}

// SubmitWorkflow handles POST /api/v1/workflows. The workflow is stored as
// pending; an orchestrator instance picks it up.
func (h *REST) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := workflow.New(req.Name, req.Steps...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	wf.TenantID = middleware.TenantID(r.Context())
	wf.CorrelationID = req.CorrelationID
	if req.Context != nil {
		wf.Context = req.Context
	}
	id, err := h.workflows.Submit(r.Context(), wf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, WorkflowResponse{WorkflowID: id, Status: domain.WorkflowPending})
}

// WorkflowStatus handles GET /api/v1/workflows/{id}.
func (h *REST) WorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedWorkflow(w, r)
	if !ok {
		return
	}
	report, err := h.workflows.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel.
func (h *REST) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedWorkflow(w, r)
	if !ok {
		return
	}
	status, err := h.workflows.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WorkflowResponse{WorkflowID: id, Status: status})
}

// PauseWorkflow handles POST /api/v1/workflows/{id}/pause.
func (h *REST) PauseWorkflow(w http.ResponseWriter, r *http.Request) {
	h.workflowTransition(w, r, h.workflows.Pause)
}

// ResumeWorkflow handles POST /api/v1/workflows/{id}/resume.
func (h *REST) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	h.workflowTransition(w, r, h.workflows.Resume)
}

func (h *REST) workflowTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (domain.WorkflowStatus, error)) {
	id, ok := h.ownedWorkflow(w, r)
	if !ok {
		return
	}
	status, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WorkflowResponse{WorkflowID: id, Status: status})
}

func (h *REST) ownedWorkflow(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	wf, err := h.workflows.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	if !visible(r.Context(), wf.TenantID) {
		h.fail(w, r, &domain.WorkflowNotFoundError{WorkflowID: id})
		return "", false
	}
	return id, true
}

// ── schedules ────────────────────────────────────────────────────────────────

// CreateSchedule handles POST /api/v1/schedules.
func (h *REST) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var st domain.ScheduledTask
	if !decode(w, r, &st) {
		return
	}
	st.TenantID = middleware.TenantID(r.Context())
	created, err := h.schedules.Create(r.Context(), &st)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListSchedules handles GET /api/v1/schedules.
func (h *REST) ListSchedules(w http.ResponseWriter, r *http.Request) {
	all, err := h.schedules.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]*domain.ScheduledTask, 0, len(all))
	for _, st := range all {
		if visible(r.Context(), st.TenantID) {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

// GetSchedule handles GET /api/v1/schedules/{id}.
func (h *REST) GetSchedule(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownedSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *REST) setScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := h.ownedSchedule(w, r)
		if !ok {
			return
		}
		st, err := h.schedules.SetEnabled(r.Context(), st.ID, enabled)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// DeleteSchedule handles DELETE /api/v1/schedules/{id}.
func (h *REST) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	st, ok := h.ownedSchedule(w, r)
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), st.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) ownedSchedule(w http.ResponseWriter, r *http.Request) (*domain.ScheduledTask, bool) {
	id := chi.URLParam(r, "id")
	st, err := h.schedules.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !visible(r.Context(), st.TenantID) {
		h.fail(w, r, &domain.ScheduleNotFoundError{ScheduleID: id})
		return nil, false
	}
	return st, true
}

// ── health ───────────────────────────────────────────────────────────────────

// Healthz handles GET /healthz.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz by running ready with a short deadline.
func Readyz(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// visible reports whether a resource of owner is visible to the caller.
// Without auth every resource is visible.
func visible(ctx context.Context, owner string) bool {
	tenant := middleware.TenantID(ctx)
	return tenant == "" || tenant == owner
}

// fail maps domain errors onto HTTP statuses.
func (h *REST) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		taskNotFound     *domain.TaskNotFoundError
		workflowNotFound *domain.WorkflowNotFoundError
		scheduleNotFound *domain.ScheduleNotFoundError
		invalidArgs      *domain.InvalidArgumentsError
		unregistered     *domain.UnregisteredFunctionError
		structure        *domain.WorkflowStructureError
		cronInvalid      *domain.CronExpressionInvalidError
		capacity         *domain.CapacityExceededError
	)
	switch {
	case errors.As(err, &taskNotFound), errors.As(err, &workflowNotFound), errors.As(err, &scheduleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidArgs), errors.As(err, &unregistered), errors.As(err, &cronInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &structure):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "cycle": structure.Cycle})
	case errors.Is(err, workflow.ErrNotOwner):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &capacity):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		trace.SpanFromContext(r.Context()).RecordError(err)
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, 1000), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
