package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Typed is a Handler whose keyword arguments decode into the struct A.
// Fields of A may carry `validate` tags; they are checked both when a task is
// submitted and again before the function runs.
type Typed[A any] struct {
	name string
	fn   func(ctx context.Context, inv *Invocation, args A) (any, error)
}

// NewTyped registers fn under name with argument struct A.
func NewTyped[A any](name string, fn func(ctx context.Context, inv *Invocation, args A) (any, error)) *Typed[A] {
	return &Typed[A]{name: name, fn: fn}
}

func (t *Typed[A]) FunctionName() string { return t.name }

func (t *Typed[A]) ValidateArgs(args, kwargs json.RawMessage) error {
	_, err := t.decode(args, kwargs)
	return err
}

func (t *Typed[A]) Handle(ctx context.Context, inv *Invocation) (any, error) {
	a, err := t.decode(inv.Args, inv.Kwargs)
	if err != nil {
		return nil, &domain.InvalidArgumentsError{FunctionName: t.name, Err: err}
	}
	return t.fn(ctx, inv, a)
}

func (t *Typed[A]) decode(args, kwargs json.RawMessage) (A, error) {
	var a A
	if len(args) > 0 && !isEmptyJSON(args, "[]") {
		return a, errors.New("positional arguments are not accepted, pass kwargs")
	}
	if len(kwargs) > 0 && !isEmptyJSON(kwargs, "null") {
		dec := json.NewDecoder(bytes.NewReader(kwargs))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&a); err != nil {
			return a, fmt.Errorf("decode kwargs: %w", err)
		}
	}
	if err := validate.Struct(&a); err != nil {
		return a, err
	}
	return a, nil
}

func isEmptyJSON(raw json.RawMessage, empty string) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == empty || string(trimmed) == "null"
}
