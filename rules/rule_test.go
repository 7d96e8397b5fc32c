package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator exercises guard-condition evaluation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		facts      map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "role guard passes",
			expression: `role == "admin"`,
			facts:      map[string]interface{}{"role": "admin", "from": "todo", "to": "done"},
			wantResult: true,
		},
		{
			name:       "role guard denies",
			expression: `role in ["admin", "project_manager"]`,
			facts:      map[string]interface{}{"role": "member", "from": "todo", "to": "done"},
			wantResult: false,
		},
		{
			name:       "transition-shape guard",
			expression: `from != to`,
			facts:      map[string]interface{}{"role": "member", "from": "todo", "to": "todo"},
			wantResult: false,
		},
		{
			name:       "non-boolean result",
			expression: `from + to`,
			facts:      map[string]interface{}{"from": "a", "to": "b"},
			wantErr:    true,
			errMsg:     "did not evaluate to a boolean",
		},
		{
			name:       "invalid expression",
			expression: `role >>> "admin"`,
			facts:      map[string]interface{}{"role": "admin"},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.facts)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.wantResult, result)
			}
		})
	}

	t.Run("caching returns consistent results", func(t *testing.T) {
		facts := map[string]interface{}{"role": "pmo"}

		result1, err1 := evaluator.Evaluate(`role != "member"`, facts)
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate(`role != "member"`, facts)
		assert.NoError(t, err2)
		assert.True(t, result2)
	})

	t.Run("concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate(`to == "done"`, map[string]interface{}{"to": "done"})
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})

	t.Run("fact funcs add derived facts", func(t *testing.T) {
		e := NewExprEvaluator()
		e.AddFactFunc("privileged", func(facts map[string]interface{}) interface{} {
			role, _ := facts["role"].(string)
			return role == "admin" || role == "project_manager"
		})

		result, err := e.Evaluate(`privileged`, map[string]interface{}{"role": "project_manager"})
		assert.NoError(t, err)
		assert.True(t, result)

		result, err = e.Evaluate(`privileged`, map[string]interface{}{"role": "member"})
		assert.NoError(t, err)
		assert.False(t, result)
	})
}

// BenchmarkEvaluate benchmarks repeated evaluation with the program cache.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	facts := map[string]interface{}{"role": "admin"}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(`role == "admin"`, facts)
	}
}
