package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// CapacityExceededError is returned when a queue is at its size limit.
type CapacityExceededError struct {
	Queue string
	Limit int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("queue %q is at capacity (%d tasks)", e.Queue, e.Limit)
}

// UnregisteredFunctionError is returned when no handler is registered for a
// function name. It is a configuration error and never retried.
type UnregisteredFunctionError struct {
	FunctionName string
}

func (e *UnregisteredFunctionError) Error() string {
	return fmt.Sprintf("no function registered under %q", e.FunctionName)
}

// InvalidArgumentsError is returned when task arguments do not match the
// shape the registered function expects.
type InvalidArgumentsError struct {
	FunctionName string
	Err          error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %v", e.FunctionName, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// TaskTimeoutError is returned when an execution attempt exceeds its bound.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// TaskExecutionError wraps an error raised by a task function.
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// NonRetryableError marks a business error that must not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker dead-letters the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	var unregistered *UnregisteredFunctionError
	var invalid *InvalidArgumentsError
	return !errors.As(err, &nonRetryable) && !errors.As(err, &unregistered) && !errors.As(err, &invalid)
}

// LeaseLostError is returned when a worker acts on a task whose lease it no
// longer holds.
type LeaseLostError struct {
	TaskID   string
	WorkerID string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("worker %s no longer holds the lease on task %s", e.WorkerID, e.TaskID)
}

// WorkflowStructureError is returned when a workflow graph is invalid.
type WorkflowStructureError struct {
	Reason string
	Cycle  []string
}

func (e *WorkflowStructureError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("invalid workflow: %s: %s", e.Reason, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("invalid workflow: %s", e.Reason)
}

// WorkflowNotFoundError is returned when a workflow ID does not exist.
type WorkflowNotFoundError struct {
	WorkflowID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.WorkflowID)
}

// StepFailureError reports a failed workflow step.
type StepFailureError struct {
	StepID string
	Err    error
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepFailureError) Unwrap() error { return e.Err }

// SagaCompensationError is fatal: a compensating action failed and the saga
// needs manual recovery.
type SagaCompensationError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *SagaCompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation of step %q failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *SagaCompensationError) Unwrap() error { return e.Err }

// CronExpressionInvalidError is returned when a schedule cannot be parsed.
type CronExpressionInvalidError struct {
	Expression string
	Err        error
}

func (e *CronExpressionInvalidError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Err)
}

func (e *CronExpressionInvalidError) Unwrap() error { return e.Err }

// ScheduleNotFoundError is returned when a schedule ID does not exist.
type ScheduleNotFoundError struct {
	ScheduleID string
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.ScheduleID)
}
