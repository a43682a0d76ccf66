package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celVariables are the top-level variables a tracker predicate may reference:
// event is the status event being applied, node the guarded node execution,
// and timeout the instance itself.
var celVariables = []string{"event", "node", "timeout"}

// CELEngine evaluates the cancel and reset predicates of timeout trackers.
// Safe for concurrent use.
type CELEngine struct {
	progs *programs[cel.Program]
}

// NewCELEngine builds an environment declaring celVariables as string-keyed maps.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{progs: newPrograms("cel", func(src string) (cel.Program, error) {
		ast, issues := env.Compile(src)
		if err := issues.Err(); err != nil {
			return nil, err
		}
		return env.Program(ast)
	})}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression. Variables absent from data are bound to empty maps.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		if v, ok := data[name]; ok && v != nil {
			vars[name] = v
		} else {
			vars[name] = map[string]any{}
		}
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
