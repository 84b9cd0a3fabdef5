package domain

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the aggregate state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowPaused    WorkflowStatus = "paused"
)

// IsTerminal returns true once the workflow can no longer make progress.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepType selects how a workflow step is executed.
type StepType string

const (
	StepTask       StepType = "task"
	StepParallel   StepType = "parallel"
	StepSequential StepType = "sequential"
	StepDelay      StepType = "delay"
	StepWebhook    StepType = "webhook"
)

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Satisfied reports whether a dependent step may proceed.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped
}

// IsTerminal returns true once the step left pending and running for good.
func (s StepStatus) IsTerminal() bool {
	return s != StepPending && s != StepRunning
}

// WorkflowStep is one node of the workflow graph. Parallel and sequential
// steps carry their children in SubSteps; children do not take part in the
// top-level dependency graph.
type WorkflowStep struct {
	ID        string          `json:"step_id"`
	Name      string          `json:"name,omitempty"`
	Type      StepType        `json:"type"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Condition string          `json:"condition,omitempty"`
	SubSteps  []*WorkflowStep `json:"sub_steps,omitempty"`

	// task
	FunctionName string          `json:"function_name,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	TaskConfig   *TaskConfig     `json:"task_config,omitempty"`
	OutputKey    string          `json:"output_key,omitempty"`

	// delay
	Delay time.Duration `json:"delay,omitempty"`

	// webhook
	URL     string          `json:"url,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
	Retries int           `json:"retries,omitempty"`

	Status      StepStatus      `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// LogEntry is one line of a workflow's append-only execution log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	StepID    string    `json:"step_id,omitempty"`
	Event     string    `json:"event"`
	Message   string    `json:"message,omitempty"`
}

// Workflow is a persisted DAG run.
type Workflow struct {
	ID            string                   `json:"workflow_id"`
	Name          string                   `json:"name"`
	TenantID      string                   `json:"tenant_id,omitempty"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
	Status        WorkflowStatus           `json:"status"`
	Steps         map[string]*WorkflowStep `json:"steps"`
	Order         []string                 `json:"order"`
	Context       map[string]any           `json:"context"`
	Log           []LogEntry               `json:"execution_log"`
	Error         string                   `json:"error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

// WorkflowStatusReport is what callers polling a workflow see.
type WorkflowStatusReport struct {
	WorkflowID         string                `json:"workflow_id"`
	Name               string                `json:"name"`
	Status             WorkflowStatus        `json:"status"`
	ProgressPercentage float64               `json:"progress_percentage"`
	Steps              map[string]StepStatus `json:"steps"`
	Error              string                `json:"error,omitempty"`
	RecentLog          []LogEntry            `json:"recent_log"`
}
