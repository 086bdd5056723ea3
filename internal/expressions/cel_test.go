package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/pkg/schema"
)

func TestCELEngine_Condition_Comparisons(t *testing.T) {
	e := NewCELEngine()

	tests := []struct {
		name string
		expr string
		vars map[string]any
		want bool
	}{
		{"greater true", "score > 50", map[string]any{"score": 75.0}, true},
		{"greater false", "score > 50", map[string]any{"score": 30.0}, false},
		{"less or equal", "score <= 30", map[string]any{"score": 30.0}, true},
		{"equality string", `status == "open"`, map[string]any{"status": "open"}, true},
		{"inequality", `status != "open"`, map[string]any{"status": "closed"}, true},
		{"marker operand", "{{lead.score}} > 50", map[string]any{"lead": map[string]any{"score": 80.0}}, true},
		{"marker fractional operand", "{{lead.score}} > 50", map[string]any{"lead": map[string]any{"score": 60.5}}, true},
		{"marker fractional below threshold", "{{lead.score}} >= 60.6", map[string]any{"lead": map[string]any{"score": 60.5}}, false},
		{"double variable vs int literal", "score > 50", map[string]any{"score": 50.5}, true},
		{"marker string operand", `{{lead.tier}} == "gold"`, map[string]any{"lead": map[string]any{"tier": "gold"}}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Condition(tc.expr, tc.vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCELEngine_Condition_MissingOperandIsTypeMismatch(t *testing.T) {
	e := NewCELEngine()

	// Bare identifier not in the store.
	_, err := e.Condition("score > 50", map[string]any{"other": 1})
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindTypeMismatch, ferr.Kind)

	// Marker referencing a missing path.
	_, err = e.Condition("{{lead.score}} > 50", map[string]any{})
	require.Error(t, err)
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindTypeMismatch, ferr.Kind)
}

func TestCELEngine_Condition_NonBooleanResult(t *testing.T) {
	e := NewCELEngine()

	_, err := e.Condition("score + 1", map[string]any{"score": 1.0})
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindTypeMismatch, ferr.Kind)
}

func TestCELEngine_Condition_ConcurrentUse(t *testing.T) {
	e := NewCELEngine()

	done := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			got, err := e.Condition("score > 50", map[string]any{"score": float64(n * 10)})
			assert.NoError(t, err)
			done <- got
		}(i)
	}
	trues := 0
	for i := 0; i < 20; i++ {
		if <-done {
			trues++
		}
	}
	// n*10 > 50 for n in 6..19.
	assert.Equal(t, 14, trues)
}
