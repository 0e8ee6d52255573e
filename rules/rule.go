package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]any) any
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]any) any),
	}
}

// AddOptionFunc registers a value derived from the environment, computed
// before every evaluation and exposed to expressions under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]any) any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// Variables missing from env evaluate to nil instead of failing compilation,
// so one compiled program serves environments of different shapes.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	runEnv := make(map[string]any, len(env)+len(e.optionsFunc))
	for k, v := range env {
		runEnv[k] = v
	}
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		runEnv[k] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, runEnv)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Compile checks that expression parses, warming the cache.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
