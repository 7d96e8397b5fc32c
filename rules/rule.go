package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
)

// Evaluator evaluates a guard expression against a fact map. Catalog
// transition conditions are the main caller: the expression sees the
// from/to status names and the acting role.
type Evaluator interface {
	Evaluate(expression string, facts map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a compiled
// program cache keyed by expression text.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	factFuncs map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates an ExprEvaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		factFuncs: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddFactFunc registers a derived fact computed from the base facts before
// every evaluation, available to expressions under the given name.
func (e *ExprEvaluator) AddFactFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factFuncs[name] = f
}

// Evaluate compiles (or reuses) the expression and runs it against facts.
// The expression must yield a boolean; anything else is an error.
func (e *ExprEvaluator) Evaluate(expression string, facts map[string]interface{}) (bool, error) {
	e.mu.RLock()
	for k, f := range e.factFuncs {
		facts[k] = f(facts)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(facts))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, facts)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
