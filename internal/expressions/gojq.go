package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries over step parameter documents, for example to
// pull a node's timeout out of its parameters. Safe for concurrent use.
type GoJQEngine struct {
	codes *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{codes: newPrograms("jq", compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs query with data as its input. No output yields nil, a single
// output is returned as is, and several are returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	out, err := e.EvaluateAll(ctx, query, data)
	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// EvaluateAll returns every output of query.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, query string, data map[string]any) ([]any, error) {
	code, err := e.codes.get(query)
	if err != nil {
		return nil, err
	}
	var input any = map[string]any{}
	if data != nil {
		input = jqValue(data)
	}

	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", query, err)
		}
		out = append(out, v)
	}
}

// compileJQ compiles query without access to the process environment.
func compileJQ(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
}

// jqValue rewrites Go integer and float32 values, which gojq rejects as
// input, into float64.
func jqValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = jqValue(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = jqValue(x)
		}
		return s
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
