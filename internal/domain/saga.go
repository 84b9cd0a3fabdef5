package domain

import (
	"encoding/json"
	"time"
)

// SagaStatus is the state of one saga run.
type SagaStatus string

const (
	SagaRunning            SagaStatus = "running"
	SagaCompleted          SagaStatus = "completed"
	SagaCompensating       SagaStatus = "compensating"
	SagaCompensated        SagaStatus = "compensated"
	SagaCompensationFailed SagaStatus = "compensation_failed"
)

// SagaStepState tracks one step of a saga run.
type SagaStepState struct {
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Compensated bool            `json:"compensated"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// SagaRun is the persisted record of a saga execution.
type SagaRun struct {
	ID          string          `json:"saga_id"`
	Name        string          `json:"name"`
	Status      SagaStatus      `json:"status"`
	Steps       []SagaStepState `json:"steps"`
	FailedStep  string          `json:"failed_step,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// PolicyResult is the verdict of the external policy oracle.
type PolicyResult string

const (
	PolicyAllow           PolicyResult = "allow"
	PolicyDeny            PolicyResult = "deny"
	PolicyRequireApproval PolicyResult = "require_approval"
)

// PolicyDecision is returned by a policy oracle.
type PolicyDecision struct {
	Result        PolicyResult `json:"result"`
	ViolatedRules []string     `json:"violated_rules,omitempty"`
}
