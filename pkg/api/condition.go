package api

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition guards a sequence flow. It is evaluated against the instance
// variables at the moment the source node is left.
type Condition interface {
	Evaluate(vars map[string]any) (bool, error)
}

// ConditionFunc adapts a Go predicate to Condition.
type ConditionFunc func(vars map[string]any) bool

func (f ConditionFunc) Evaluate(vars map[string]any) (bool, error) {
	return f(vars), nil
}

func (ConditionFunc) String() string { return "func" }

// ExprCondition is a boolean expression in the expr language. Variables are
// visible both at top level ("amount > 100") and under "variables"
// ("variables.amount > 100").
type ExprCondition struct {
	source string

	once    sync.Once
	program *vm.Program
	err     error
}

// Expr returns a condition for the given expression source. The expression
// is compiled lazily; ProcessDefinition.Validate compiles it eagerly so that
// syntax errors fail registration.
func Expr(source string) *ExprCondition {
	return &ExprCondition{source: source}
}

// Compile compiles the expression once and returns the compile error, if any.
func (c *ExprCondition) Compile() error {
	c.once.Do(func() {
		c.program, c.err = expr.Compile(c.source, expr.AsBool(), expr.AllowUndefinedVariables())
		if c.err != nil {
			c.err = fmt.Errorf("compile condition %q: %w", c.source, c.err)
		}
	})
	return c.err
}

func (c *ExprCondition) Evaluate(vars map[string]any) (bool, error) {
	if err := c.Compile(); err != nil {
		return false, err
	}

	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	env["variables"] = vars

	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", c.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", c.source, out)
	}
	return b, nil
}

func (c *ExprCondition) String() string { return c.source }

func conditionText(c Condition) string {
	switch c := c.(type) {
	case nil:
		return ""
	case fmt.Stringer:
		return c.String()
	default:
		return fmt.Sprintf("%T", c)
	}
}
