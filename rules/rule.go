package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"

	"github.com/expr-lang/expr"
)

// Evaluator defines the interface for evaluating predicate and value expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	Value(expression string, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached by expression text for the lifetime of the evaluator,
// which is owned by a single loaded definition.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a value derived from the environment and exposed to expressions under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Compile compiles and caches expression without running it.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Value(expression, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Value evaluates the given expression and returns its raw result.
func (e *ExprEvaluator) Value(expression string, env map[string]interface{}) (interface{}, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, e.environment(env))
}

// CacheSize returns the number of compiled programs held.
func (e *ExprEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errors.WithMessagef(err, "compile expression '%s'", expression)
	}
	e.cache[expression] = program
	return program, nil
}

// environment returns env extended with the registered option values.
// The caller's map is never modified.
func (e *ExprEvaluator) environment(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.optionsFunc) == 0 {
		return env
	}
	out := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		out[k] = v
	}
	for k, f := range e.optionsFunc {
		out[k] = f(env)
	}
	return out
}
