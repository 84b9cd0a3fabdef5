package saga

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
)

// HTTPSagaArgs are the kwargs of the http.saga function.
type HTTPSagaArgs struct {
	Name  string         `json:"name" validate:"required"`
	Steps []HTTPSagaStep `json:"steps" validate:"required,min=1,dive"`
}

// HTTPSagaStep is one remote call and the call that undoes it.
type HTTPSagaStep struct {
	Name       string                    `json:"name" validate:"required"`
	Action     handlers.HTTPRequestArgs  `json:"action"`
	Compensate *handlers.HTTPRequestArgs `json:"compensate,omitempty" validate:"omitempty"`
}

// NewHTTPHandler returns the http.saga function. It runs the submitted
// calls as a saga with opts, so a failed call undoes the calls before it.
//
// A failure whose rollback succeeded is retryable unless the failing call
// was permanent; a failed rollback never is.
func NewHTTPHandler(client *http.Client, opts ...Option) *handlers.Typed[HTTPSagaArgs] {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return handlers.NewTyped("http.saga", func(ctx context.Context, inv *handlers.Invocation, a HTTPSagaArgs) (any, error) {
		steps := make([]Step, len(a.Steps))
		for i, hs := range a.Steps {
			var undo func(context.Context, *Context) error
			if hs.Compensate != nil {
				undo = func(ctx context.Context, _ *Context) error {
					_, err := handlers.CallHTTP(ctx, client, *hs.Compensate)
					return err
				}
			}
			steps[i] = NewStep(hs.Name, func(ctx context.Context, _ *Context) (any, error) {
				return handlers.CallHTTP(ctx, client, hs.Action)
			}, undo)
		}

		s, err := New(a.Name, steps, opts...)
		if err != nil {
			return nil, &domain.InvalidArgumentsError{FunctionName: "http.saga", Err: err}
		}
		run, err := s.Run(ctx, NewContext(map[string]any{
			"task_id":        inv.TaskID,
			"correlation_id": inv.CorrelationID,
		}))
		var compErr *domain.SagaCompensationError
		if errors.As(err, &compErr) {
			return nil, domain.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	})
}
