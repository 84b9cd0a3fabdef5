package kafka

import (
	"time"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

const (
	// TopicPending carries task submissions for the dispatcher.
	TopicPending = "tasks.pending"
	// TopicEvents carries task lifecycle events.
	TopicEvents = "tasks.events"
	// TopicDLQ mirrors dead-lettered tasks and rejected submissions.
	TopicDLQ = "tasks.dlq"
)

// TaskEvent is published to TopicEvents whenever a task changes state.
type TaskEvent struct {
	Type          string        `json:"type"`
	TaskID        string        `json:"task_id"`
	FunctionName  string        `json:"function_name"`
	Queue         string        `json:"queue,omitempty"`
	Status        domain.Status `json:"status"`
	TenantID      string        `json:"tenant_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	WorkerID      string        `json:"worker_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Event types.
const (
	EventCompleted    = "task.completed"
	EventFailed       = "task.failed"
	EventDeadLettered = "task.dead_lettered"
)

// ResultEvent builds the lifecycle event for a finished execution.
func ResultEvent(res *domain.TaskResult, function string) TaskEvent {
	typ := EventFailed
	if res.Status == domain.StatusCompleted {
		typ = EventCompleted
	}
	return TaskEvent{
		Type:          typ,
		TaskID:        res.TaskID,
		FunctionName:  function,
		Status:        res.Status,
		TenantID:      res.TenantID,
		CorrelationID: res.CorrelationID,
		WorkerID:      res.WorkerID,
		Error:         res.Error,
		Timestamp:     res.CompletedAt,
	}
}

// DeadLetterMessage is published to TopicDLQ.
type DeadLetterMessage struct {
	TaskID        string       `json:"task_id,omitempty"`
	FunctionName  string       `json:"function_name,omitempty"`
	OriginalQueue string       `json:"original_queue,omitempty"`
	Reason        string       `json:"reason"`
	Payload       []byte       `json:"payload,omitempty"`
	Task          *domain.Task `json:"task,omitempty"`
	FailedAt      time.Time    `json:"failed_at"`
}
