// Package workflow builds, validates and drives DAG workflows.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// StepOption configures a workflow step.
type StepOption func(*domain.WorkflowStep)

// DependsOn adds dependency edges to other top-level steps.
func DependsOn(ids ...string) StepOption {
	return func(s *domain.WorkflowStep) { s.DependsOn = append(s.DependsOn, ids...) }
}

// When gates the step on a boolean expression over the workflow context.
func When(condition string) StepOption {
	return func(s *domain.WorkflowStep) { s.Condition = condition }
}

// Retries allows n extra attempts after a failure.
func Retries(n int) StepOption { return func(s *domain.WorkflowStep) { s.Retries = n } }

// Timeout bounds each attempt of the step.
func Timeout(d time.Duration) StepOption { return func(s *domain.WorkflowStep) { s.Timeout = d } }

// Output stores the step result in the workflow context under key instead of
// the step id.
func Output(key string) StepOption { return func(s *domain.WorkflowStep) { s.OutputKey = key } }

// Named sets a human readable name.
func Named(name string) StepOption { return func(s *domain.WorkflowStep) { s.Name = name } }

// WithTaskConfig sets the retry, timeout and routing config of the task a
// task step enqueues.
func WithTaskConfig(cfg domain.TaskConfig) StepOption {
	return func(s *domain.WorkflowStep) { s.TaskConfig = &cfg }
}

func newStep(id string, typ domain.StepType, opts []StepOption) *domain.WorkflowStep {
	s := &domain.WorkflowStep{ID: id, Type: typ, Status: domain.StepPending}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TaskStep enqueues function with kwargs and waits for its result.
func TaskStep(id, function string, kwargs json.RawMessage, opts ...StepOption) *domain.WorkflowStep {
	s := newStep(id, domain.StepTask, opts)
	s.FunctionName = function
	s.Kwargs = kwargs
	return s
}

// DelayStep sleeps for d.
func DelayStep(id string, d time.Duration, opts ...StepOption) *domain.WorkflowStep {
	s := newStep(id, domain.StepDelay, opts)
	s.Delay = d
	return s
}

// WebhookStep POSTs payload to url. A nil payload posts the workflow context.
func WebhookStep(id, url string, payload json.RawMessage, opts ...StepOption) *domain.WorkflowStep {
	s := newStep(id, domain.StepWebhook, opts)
	s.URL = url
	s.Payload = payload
	return s
}

// ParallelStep runs subs concurrently and fails as soon as one fails.
func ParallelStep(id string, subs []*domain.WorkflowStep, opts ...StepOption) *domain.WorkflowStep {
	s := newStep(id, domain.StepParallel, opts)
	s.SubSteps = subs
	return s
}

// SequentialStep runs subs in order and stops at the first failure.
func SequentialStep(id string, subs []*domain.WorkflowStep, opts ...StepOption) *domain.WorkflowStep {
	s := newStep(id, domain.StepSequential, opts)
	s.SubSteps = subs
	return s
}

// New validates steps and returns a pending workflow. Nothing is persisted.
func New(name string, steps ...*domain.WorkflowStep) (*domain.Workflow, error) {
	wf := &domain.Workflow{
		Name:    name,
		Status:  domain.WorkflowPending,
		Steps:   make(map[string]*domain.WorkflowStep, len(steps)),
		Context: make(map[string]any),
	}
	for _, s := range steps {
		if s == nil {
			return nil, &domain.WorkflowStructureError{Reason: "nil step"}
		}
		if _, dup := wf.Steps[s.ID]; dup {
			return nil, &domain.WorkflowStructureError{Reason: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		wf.Steps[s.ID] = s
		wf.Order = append(wf.Order, s.ID)
	}
	if err := Validate(wf); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate workflow id: %w", err)
	}
	wf.ID = id.String()
	wf.CreatedAt = time.Now().UTC()
	for _, s := range wf.Steps {
		resetStatus(s)
	}
	return wf, nil
}

func resetStatus(s *domain.WorkflowStep) {
	if s.Status == "" {
		s.Status = domain.StepPending
	}
	for _, sub := range s.SubSteps {
		resetStatus(sub)
	}
}

// Validate checks step definitions, dependency references and conditions,
// rejects cycles, and rewrites wf.Order into a topological order.
func Validate(wf *domain.Workflow) error {
	if len(wf.Steps) == 0 {
		return &domain.WorkflowStructureError{Reason: "workflow has no steps"}
	}
	if len(wf.Order) != len(wf.Steps) {
		wf.Order = sortedIDs(wf.Steps)
	}

	seen := make(map[string]bool)
	for _, id := range wf.Order {
		s, ok := wf.Steps[id]
		if !ok || s == nil || s.ID != id {
			return &domain.WorkflowStructureError{Reason: fmt.Sprintf("step %q is not keyed by its id", id)}
		}
		if err := validateStep(s, seen, false); err != nil {
			return err
		}
		for _, dep := range s.DependsOn {
			if _, ok := wf.Steps[dep]; !ok {
				return &domain.WorkflowStructureError{Reason: fmt.Sprintf("step %q depends on unknown step %q", id, dep)}
			}
		}
	}

	if cycle := findCycle(wf); cycle != nil {
		return &domain.WorkflowStructureError{Reason: "dependency cycle", Cycle: cycle}
	}
	wf.Order = topoOrder(wf)
	return nil
}

func validateStep(s *domain.WorkflowStep, seen map[string]bool, nested bool) error {
	if s.ID == "" {
		return &domain.WorkflowStructureError{Reason: "step without id"}
	}
	if seen[s.ID] {
		return &domain.WorkflowStructureError{Reason: fmt.Sprintf("duplicate step id %q", s.ID)}
	}
	seen[s.ID] = true
	if nested && len(s.DependsOn) > 0 {
		return &domain.WorkflowStructureError{Reason: fmt.Sprintf("sub-step %q cannot declare dependencies", s.ID)}
	}
	if s.Retries < 0 || s.Timeout < 0 {
		return &domain.WorkflowStructureError{Reason: fmt.Sprintf("step %q has a negative retry count or timeout", s.ID)}
	}
	if s.Condition != "" {
		if _, err := CompileCondition(s.Condition); err != nil {
			return &domain.WorkflowStructureError{Reason: fmt.Sprintf("step %q: %v", s.ID, err)}
		}
	}

	switch s.Type {
	case domain.StepTask:
		if s.FunctionName == "" {
			return &domain.WorkflowStructureError{Reason: fmt.Sprintf("task step %q has no function_name", s.ID)}
		}
	case domain.StepDelay:
		if s.Delay < 0 {
			return &domain.WorkflowStructureError{Reason: fmt.Sprintf("delay step %q has a negative delay", s.ID)}
		}
	case domain.StepWebhook:
		if s.URL == "" {
			return &domain.WorkflowStructureError{Reason: fmt.Sprintf("webhook step %q has no url", s.ID)}
		}
	case domain.StepParallel, domain.StepSequential:
		if len(s.SubSteps) == 0 {
			return &domain.WorkflowStructureError{Reason: fmt.Sprintf("%s step %q has no sub-steps", s.Type, s.ID)}
		}
		for _, sub := range s.SubSteps {
			if sub == nil {
				return &domain.WorkflowStructureError{Reason: fmt.Sprintf("step %q has a nil sub-step", s.ID)}
			}
			if err := validateStep(sub, seen, true); err != nil {
				return err
			}
		}
	default:
		return &domain.WorkflowStructureError{Reason: fmt.Sprintf("step %q has unknown type %q", s.ID, s.Type)}
	}
	return nil
}

// findCycle runs a three-colour DFS over the dependency edges and returns the
// first cycle found as a path that starts and ends on the same step.
func findCycle(wf *domain.Workflow) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(wf.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range wf.Steps[id].DependsOn {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range wf.Order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// topoOrder returns the steps in dependency order, keeping the declared
// order among steps that are ready at the same time.
func topoOrder(wf *domain.Workflow) []string {
	placed := make(map[string]bool, len(wf.Order))
	order := make([]string, 0, len(wf.Order))
	for len(order) < len(wf.Order) {
		for _, id := range wf.Order {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range wf.Steps[id].DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[id] = true
				order = append(order, id)
			}
		}
	}
	return order
}

func sortedIDs(steps map[string]*domain.WorkflowStep) []string {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
