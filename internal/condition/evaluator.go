// Package condition evaluates the predicates carried by conditional node
// connections. A predicate is an expr expression over the source node's
// output map; a false result turns the edge into a skip edge.
package condition

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/errors"
	"loom/internal/logging"
)

const defaultProgramCacheSize = 256

// Evaluator compiles and caches condition programs.
type Evaluator struct {
	programs *lru.Cache[string, *vm.Program]
	logger   logging.Logger
}

// NewEvaluator constructs an evaluator with a bounded compile cache.
func NewEvaluator(logger logging.Logger) *Evaluator {
	// lru.New errors only on non-positive size.
	cache, _ := lru.New[string, *vm.Program](defaultProgramCacheSize)
	return &Evaluator{programs: cache, logger: logging.OrNop(logger)}
}

// Validate compiles the expression and reports a validation error if it is
// malformed. Used at template publish time.
func (e *Evaluator) Validate(expression string) error {
	const op = "condition.Validate"

	if expression == "" {
		return nil
	}
	if _, err := e.compile(expression); err != nil {
		return errors.E(op, errors.KindValidation, err)
	}
	return nil
}

// Evaluate runs the predicate against the source node's output. The output
// map is exposed both as top-level variables and under the `output` alias.
// A runtime evaluation failure fails open: the edge is treated as satisfied
// and the failure is logged, so a bad predicate cannot wedge a workflow.
func (e *Evaluator) Evaluate(expression string, output map[string]any) bool {
	if expression == "" {
		return true
	}
	program, err := e.compile(expression)
	if err != nil {
		e.logger.Warn("condition: compile %q failed, treating edge as satisfied: %v", expression, err)
		return true
	}

	env := make(map[string]any, len(output)+1)
	for k, v := range output {
		env[k] = v
	}
	env["output"] = output

	result, err := expr.Run(program, env)
	if err != nil {
		e.logger.Warn("condition: evaluate %q failed, treating edge as satisfied: %v", expression, err)
		return true
	}
	ok, isBool := result.(bool)
	if !isBool {
		e.logger.Warn("condition: %q evaluated to non-boolean %T, treating edge as satisfied", expression, result)
		return true
	}
	return ok
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if program, ok := e.programs.Get(expression); ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.programs.Add(expression, program)
	return program, nil
}
