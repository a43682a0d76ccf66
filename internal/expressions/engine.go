package expressions

import (
	"context"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Engine evaluates expressions against a data map.
// CEL backs timeout predicates, expr backs rollup rules, and jq queries step parameters.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// programs memoizes compiled expressions by source text. The set of
// expressions a process sees is small and fixed by configuration, so entries
// are never evicted.
type programs[P any] struct {
	engine  string
	compile func(expression string) (P, error)

	mu    sync.Mutex
	bySrc map[string]P
}

func newPrograms[P any](engine string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{engine: engine, compile: compile, bySrc: make(map[string]P)}
}

func (c *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.engine)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.bySrc[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation,
			"%s compile error in %q: %s", c.engine, expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	c.bySrc[expression] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySrc)
}

// evalError wraps a runtime failure of an already compiled expression.
func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
