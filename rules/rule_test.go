package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Component guard true",
			expression: `component == "block"`,
			context:    map[string]interface{}{"component": "block"},
			wantResult: true,
			wantErr:    false,
		},
		{
			name:       "Component guard false",
			expression: `component == "head"`,
			context:    map[string]interface{}{"component": "block"},
			wantResult: false,
			wantErr:    false,
		},
		{
			name:       "Boolean attribute",
			expression: "completed",
			context:    map[string]interface{}{"completed": true},
			wantResult: true,
			wantErr:    false,
		},
		{
			name:       "Non-boolean result",
			expression: "order_id + 5",
			context:    map[string]interface{}{"order_id": 25},
			wantResult: false,
			wantErr:    true,
			errMsg:     "expression 'order_id + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "component >>> 18",
			context:    map[string]interface{}{"component": "block"},
			wantResult: false,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.EqualError(t, err, tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantResult, result)
		})
	}
}

// TestExprEvaluatorCache verifies that compiled programs are reused and safe
// for concurrent evaluation.
func TestExprEvaluatorCache(t *testing.T) {
	evaluator := NewExprEvaluator()

	result, err := evaluator.Evaluate("started", map[string]interface{}{"started": true})
	assert.NoError(t, err)
	assert.True(t, result)

	evaluator.mu.RLock()
	assert.Len(t, evaluator.cache, 1)
	evaluator.mu.RUnlock()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := evaluator.Evaluate("started", map[string]interface{}{"started": false})
			assert.NoError(t, err)
			assert.False(t, result)
		}()
	}
	wg.Wait()

	evaluator.mu.RLock()
	assert.Len(t, evaluator.cache, 1)
	evaluator.mu.RUnlock()
}
