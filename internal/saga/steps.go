package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
)

// PolicyOracle evaluates a named business policy.
type PolicyOracle interface {
	Evaluate(ctx context.Context, policy string, input map[string]any, data any) (domain.PolicyDecision, error)
}

// PolicyDeniedError is returned by a policy gate whose oracle did not allow
// the operation.
type PolicyDeniedError struct {
	Policy   string
	Decision domain.PolicyDecision
}

func (e *PolicyDeniedError) Error() string {
	msg := fmt.Sprintf("policy %s: %s", e.Policy, e.Decision.Result)
	if len(e.Decision.ViolatedRules) > 0 {
		msg += " (" + strings.Join(e.Decision.ViolatedRules, ", ") + ")"
	}
	return msg
}

type policyGate struct {
	name   string
	policy string
	oracle PolicyOracle
	data   func(*Context) any
}

// PolicyGate returns a step that asks oracle to evaluate policy and fails
// unless the result is allow. data picks what is evaluated; nil sends the
// step results gathered so far. The gate has nothing to undo.
func PolicyGate(name, policy string, oracle PolicyOracle, data func(*Context) any) Step {
	return &policyGate{name: name, policy: policy, oracle: oracle, data: data}
}

func (g *policyGate) Name() string { return g.name }

func (g *policyGate) Execute(ctx context.Context, sc *Context) (any, error) {
	var data any = sc.StepResults
	if g.data != nil {
		data = g.data(sc)
	}
	decision, err := g.oracle.Evaluate(ctx, g.policy, sc.SharedData, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate policy %s: %w", g.policy, err)
	}
	if decision.Result != domain.PolicyAllow {
		return nil, &PolicyDeniedError{Policy: g.policy, Decision: decision}
	}
	return decision, nil
}

func (g *policyGate) Compensate(context.Context, *Context) error { return nil }

type idempotentStep struct {
	Step
	store redisstore.IdempotencyStore
	key   func(*Context) string
	ttl   time.Duration
}

// Idempotent wraps step so a run that repeats it with the same key reuses
// the recorded result instead of executing again. Compensating the step
// forgets the result.
func Idempotent(step Step, store redisstore.IdempotencyStore, key func(*Context) string, ttl time.Duration) Step {
	return &idempotentStep{Step: step, store: store, key: key, ttl: ttl}
}

func (s *idempotentStep) storeKey(sc *Context) string {
	return "saga:" + s.Name() + ":" + s.key(sc)
}

func (s *idempotentStep) Execute(ctx context.Context, sc *Context) (any, error) {
	k := s.storeKey(sc)
	raw, ok, err := s.store.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if ok {
		var prev any
		if err := json.Unmarshal(raw, &prev); err != nil {
			return nil, fmt.Errorf("decode recorded result of %s: %w", s.Name(), err)
		}
		return prev, nil
	}

	result, err := s.Step.Execute(ctx, sc)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", s.Name(), err)
	}
	// The effect already happened, so the step counts as completed and is
	// compensated on rollback even when the marker is lost.
	if err := s.store.Put(ctx, k, data, s.ttl); err != nil {
		slog.WarnContext(ctx, "record saga step result failed",
			slog.String("step", s.Name()),
			slog.String("error", err.Error()),
		)
	}
	return result, nil
}

func (s *idempotentStep) Compensate(ctx context.Context, sc *Context) error {
	if err := s.Step.Compensate(ctx, sc); err != nil {
		return err
	}
	return s.store.Release(ctx, s.storeKey(sc))
}
