package workflow

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition is a compiled boolean expression over the workflow context.
// Builtins are disabled, so an expression can only read context values and
// combine them with operators.
type Condition struct {
	src     string
	program *vm.Program
}

// CompileCondition parses src. Expressions that are not boolean are rejected.
func CompileCondition(src string) (*Condition, error) {
	program, err := expr.Compile(src,
		expr.AsBool(),
		expr.DisableAllBuiltins(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	return &Condition{src: src, program: program}, nil
}

// Eval runs the condition against vars. Undefined variables evaluate to nil.
func (c *Condition) Eval(vars map[string]any) (bool, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := expr.Run(c.program, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", c.src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, not bool", c.src, out)
	}
	return b, nil
}

func (c *Condition) String() string { return c.src }
