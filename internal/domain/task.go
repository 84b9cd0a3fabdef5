package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusLeased     Status = "leased"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
	StatusDeadLetter Status = "dead_letter"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// Priority is the coarse tier a task is scheduled at.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists every tier from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

// Tier maps a priority to its numeric rank (low=1 … critical=4).
// Unknown values rank as normal.
func (p Priority) Tier() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 2
	}
}

// Demote returns the next lower tier. Critical and low are never demoted.
func (p Priority) Demote() Priority {
	switch p {
	case PriorityHigh:
		return PriorityNormal
	case PriorityNormal:
		return PriorityLow
	case "":
		return PriorityLow
	default:
		return p
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	for _, known := range Priorities {
		if p == known {
			return true
		}
	}
	return false
}

const DefaultQueue = "default"

// TaskConfig controls retries, timeouts and routing of a task.
type TaskConfig struct {
	MaxRetries         int               `json:"max_retries"`
	RetryDelay         time.Duration     `json:"retry_delay"`
	RetryBackoffFactor float64           `json:"retry_backoff_factor"`
	Timeout            time.Duration     `json:"timeout"`
	Priority           Priority          `json:"priority"`
	QueueName          string            `json:"queue_name"`
	Tags               []string          `json:"tags,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// DefaultTaskConfig mirrors the defaults producers get when they leave
// fields unset.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		RetryBackoffFactor: 2,
		Timeout:            5 * time.Minute,
		Priority:           PriorityNormal,
		QueueName:          DefaultQueue,
	}
}

// WithDefaults fills zero-valued fields from DefaultTaskConfig.
func (c TaskConfig) WithDefaults() TaskConfig {
	d := DefaultTaskConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RetryBackoffFactor < 1 {
		c.RetryBackoffFactor = d.RetryBackoffFactor
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Priority == "" {
		c.Priority = d.Priority
	}
	if c.QueueName == "" {
		c.QueueName = d.QueueName
	}
	return c
}

// Task is the unit of work moved through the queue. Args, Kwargs and Config
// are not mutated once the task is enqueued; retries only bump RetryCount or
// derive a copy with a demoted priority.
type Task struct {
	ID             string          `json:"task_id"`
	Name           string          `json:"name"`
	FunctionName   string          `json:"function_name"`
	Args           json.RawMessage `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	Config         TaskConfig      `json:"config"`
	TenantID       string          `json:"tenant_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	Blocks         []string        `json:"blocks,omitempty"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EffectiveQueue returns the queue the task lives in, scoped by tenant when
// one is set.
func (t *Task) EffectiveQueue() string {
	return QueueName(t.TenantID, t.Config.QueueName)
}

// QueueName builds the tenant-scoped name of a queue.
func QueueName(tenantID, queue string) string {
	if queue == "" {
		queue = DefaultQueue
	}
	if tenantID == "" {
		return queue
	}
	return tenantID + ":" + queue
}

// ETA is the earliest time the task may run.
func (t *Task) ETA() time.Time {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt
	}
	return t.CreatedAt
}

// Expired reports whether the task passed its expiry time.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// RetryDelay returns the backoff before the next attempt given the current
// retry count: retry_delay × backoff_factor^retry_count.
func (t *Task) RetryDelay() time.Duration {
	d := float64(t.Config.RetryDelay)
	for i := 0; i < t.RetryCount; i++ {
		d *= t.Config.RetryBackoffFactor
	}
	return time.Duration(d)
}

// CanRetry reports whether another attempt fits in the retry budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.Config.MaxRetries
}

// TaskResult is the outcome of a single execution attempt.
type TaskResult struct {
	TaskID        string          `json:"task_id"`
	TaskName      string          `json:"task_name"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorDetails  map[string]any  `json:"error_details,omitempty"`
	Retryable     bool            `json:"retryable"`
	ExecutionTime time.Duration   `json:"execution_time"`
	RetryCount    int             `json:"retry_count"`
	WorkerID      string          `json:"worker_id,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Progress is the latest progress report of a running task.
type Progress struct {
	Percentage float64   `json:"percentage"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskRecord is the stored view of a task together with its live status.
type TaskRecord struct {
	Task         *Task  `json:"task"`
	Status       Status `json:"status"`
	Queue        string `json:"queue"`
	WorkerID     string `json:"worker_id,omitempty"`
	Redeliveries int    `json:"redeliveries"`
}

// DeadLetter is a task parked after exhausting its retries.
type DeadLetter struct {
	Task          *Task     `json:"task"`
	Reason        string    `json:"reason"`
	OriginalQueue string    `json:"original_queue"`
	FailedAt      time.Time `json:"failed_at"`
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue                string             `json:"queue"`
	CurrentSize          int64              `json:"current_size"`
	DelayedSize          int64              `json:"delayed_size"`
	LeasedSize           int64              `json:"leased_size"`
	DeadLetterSize       int64              `json:"dead_letter_size"`
	Totals               map[string]int64   `json:"totals"`
	PriorityDistribution map[Priority]int64 `json:"priority_distribution"`
}
