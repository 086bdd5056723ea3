package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/pkg/schema"
)

func TestResolveTemplate_SingleMarkerPreservesType(t *testing.T) {
	vars := map[string]any{
		"count": 42.0,
		"lead":  map[string]any{"score": 75.0, "name": "Ada"},
		"tags":  []any{"a", "b"},
		"ok":    true,
	}

	tests := []struct {
		name     string
		template string
		want     any
	}{
		{"number", "{{count}}", 42.0},
		{"nested number", "{{lead.score}}", 75.0},
		{"object", "{{lead}}", map[string]any{"score": 75.0, "name": "Ada"}},
		{"array", "{{tags}}", []any{"a", "b"}},
		{"array index", "{{tags.1}}", "b"},
		{"bool", "{{ok}}", true},
		{"whitespace inside marker", "{{ lead.name }}", "Ada"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveTemplate(tc.template, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveTemplate_MixedMarkersStringify(t *testing.T) {
	vars := map[string]any{
		"name":  "Ada",
		"score": 75.0,
	}

	got, err := ResolveTemplate("lead {{name}} scored {{score}} points", vars)
	require.NoError(t, err)
	assert.Equal(t, "lead Ada scored 75 points", got)
}

func TestResolveTemplate_NoMarkersPassThrough(t *testing.T) {
	got, err := ResolveTemplate("plain text", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "plain text", got)
}

func TestResolveTemplate_UnknownPath(t *testing.T) {
	_, err := ResolveTemplate("{{missing.path}}", map[string]any{"x": 1})
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindUnknownPath, ferr.Kind)
	assert.Equal(t, "missing.path", ferr.Details["path"])
}

func TestResolveTemplate_UnclosedMarker(t *testing.T) {
	_, err := ResolveTemplate("broken {{name", map[string]any{"name": "x"})
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindValidation, ferr.Kind)
}

func TestLookupPath_DirectKeyWithDots(t *testing.T) {
	vars := map[string]any{"a.b": "direct"}
	got, err := LookupPath(vars, "a.b")
	require.NoError(t, err)
	assert.Equal(t, "direct", got)
}

func TestResolveMapping(t *testing.T) {
	vars := map[string]any{
		"criteria": "enterprise",
		"lead":     map[string]any{"email": "ada@example.com"},
	}

	resolved, err := ResolveMapping(map[string]string{
		"criteria": "{{criteria}}",
		"to":       "{{lead.email}}",
		"subject":  "outreach for {{criteria}}",
	}, vars)
	require.NoError(t, err)

	assert.Equal(t, "enterprise", resolved["criteria"])
	assert.Equal(t, "ada@example.com", resolved["to"])
	assert.Equal(t, "outreach for enterprise", resolved["subject"])
}

func TestResolveMapping_PropagatesUnknownPath(t *testing.T) {
	_, err := ResolveMapping(map[string]string{"x": "{{nope}}"}, map[string]any{})
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindUnknownPath, ferr.Kind)
}
