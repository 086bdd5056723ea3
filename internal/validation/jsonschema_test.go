package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	trigCfg, _ := json.Marshal(schema.TriggerConfig{TriggerType: "manual"})
	outCfg, _ := json.Marshal(schema.OutputConfig{})
	return &schema.WorkflowDefinition{
		ID:      "wf1",
		Version: 1,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger, Config: trigCfg},
			{ID: "end", Type: schema.NodeTypeOutput, Config: outCfg},
		},
		Edges: []schema.Edge{{Source: "start", Target: "end"}},
	}
}

func TestValidateDefinition_Accepts(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	require.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinition_RejectsUnknownNodeType(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	def := validDefinition()
	def.Nodes[0].Type = "mystery"

	err = v.ValidateDefinition(def)
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrKindValidation, ferr.Kind)
}

func TestValidateDefinition_RejectsMissingVersion(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	def := validDefinition()
	def.Version = 0

	require.Error(t, v.ValidateDefinition(def))
}

func TestValidateRaw(t *testing.T) {
	v, err := NewDefinitionValidator()
	require.NoError(t, err)

	require.Error(t, v.ValidateRaw([]byte(`{not json`)))
	require.Error(t, v.ValidateRaw([]byte(`{"id":"wf","version":1,"nodes":[],"edges":[]}`)))

	raw, _ := json.Marshal(validDefinition())
	require.NoError(t, v.ValidateRaw(raw))
}
