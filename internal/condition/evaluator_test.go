package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"loom/internal/errors"
)

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(nil)

	tests := []struct {
		name       string
		expression string
		output     map[string]any
		want       bool
	}{
		{"empty expression always satisfied", "", nil, true},
		{"top-level variable", `score > 3`, map[string]any{"score": 5}, true},
		{"top-level variable false", `score > 3`, map[string]any{"score": 1}, false},
		{"output alias", `output.approved == true`, map[string]any{"approved": true}, true},
		{"missing variable fails open", `missing_field > 10`, map[string]any{"score": 1}, true},
		{"non-boolean result fails open", `score + 1`, map[string]any{"score": 1}, true},
		{"string comparison", `decision == "approve"`, map[string]any{"decision": "approve"}, true},
		{"nil output", `approved == true`, nil, false}, // undefined compares unequal
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(tt.expression, tt.output))
		})
	}
}

func TestValidate(t *testing.T) {
	e := NewEvaluator(nil)

	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate(`score > 3 && decision == "approve"`))

	err := e.Validate(`score >`)
	assert.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestCompileCaching(t *testing.T) {
	e := NewEvaluator(nil)

	const expression = `score >= 10`
	assert.False(t, e.Evaluate(expression, map[string]any{"score": 1}))
	assert.True(t, e.Evaluate(expression, map[string]any{"score": 10}))

	_, cached := e.programs.Get(expression)
	assert.True(t, cached)
}
