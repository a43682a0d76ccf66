package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. Rollup rules use its array
// builtins (any, all, count, filter) over child statuses. Variables are
// untyped at compile time, so one program serves every data shape.
type ExprEngine struct {
	progs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{progs: newPrograms("expr", func(src string) (*vm.Program, error) {
		return expr.Compile(src, expr.AllowUndefinedVariables())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level variables.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.progs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := expr.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
