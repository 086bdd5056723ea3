package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/pkg/schema"
)

type stubInvoker struct {
	completion *Completion
	err        error
}

func (s *stubInvoker) Invoke(_ context.Context, _ *Invocation) (*Completion, error) {
	return s.completion, s.err
}

func TestRegistryResolvesRegisteredInvoker(t *testing.T) {
	reg := NewRegistry()
	stub := &stubInvoker{completion: &Completion{Text: "ok"}}
	reg.RegisterInvoker("gpt-4o", stub)

	inv, err := reg.Invoker("gpt-4o")
	require.NoError(t, err)

	out, err := inv.Invoke(context.Background(), &Invocation{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
}

func TestRegistryUnknownModel(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoker("missing")
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindNotFound, flowErr.Kind)
}

func TestRegistryAgentLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAgent(AgentDef{
		ID:           "lead-qualifier",
		Name:         "Lead Qualifier",
		SystemPrompt: "Score incoming leads.",
		Model:        "gpt-4o",
	}))

	def, err := reg.Agent("lead-qualifier")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", def.Model)

	_, err = reg.Agent("nobody")
	require.Error(t, err)
}

func TestRegisterModelRequiresID(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterModel(Config{Provider: "openai", Model: "gpt-4o"})
	require.Error(t, err)
}

func TestRegisterModelUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterModel(Config{ID: "m1", Provider: "carrier-pigeon", Model: "x"})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
}

func TestInvocationErrorCarriesTransience(t *testing.T) {
	cause := errors.New("upstream 503")
	err := invocationError("gpt-4o", true, cause)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindModelInvocation, flowErr.Kind)
	assert.Equal(t, true, flowErr.Details["transient"])
	assert.ErrorIs(t, err, cause)
}
