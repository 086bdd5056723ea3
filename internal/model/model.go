// Package model provides language model invocation for agent nodes.
// Providers are registered explicitly per engine instance; there is no
// process-global registry.
package model

import (
	"context"
	"sync"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// ToolSchema describes a callable tool exposed to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Invocation is a single chat completion request.
type Invocation struct {
	Model        string
	SystemPrompt string
	History      []schema.Message
	Tools        []ToolSchema
}

// Completion is the model's reply: free text, tool calls, or both.
type Completion struct {
	Text      string
	ToolCalls []schema.ToolCall
}

// Invoker executes chat completions against a single provider.
type Invoker interface {
	Invoke(ctx context.Context, inv *Invocation) (*Completion, error)
}

// Config declares one model endpoint available to workflows.
type Config struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	BaseURL  string `json:"baseUrl,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model"`
}

// AgentDef binds a reusable agent identity to a model and prompt.
type AgentDef struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Model        string `json:"model"`
}

// Registry resolves logical model IDs to invokers and agent IDs to
// their definitions. Safe for concurrent use after construction.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
	agents   map[string]AgentDef
}

func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]Invoker),
		agents:   make(map[string]AgentDef),
	}
}

// RegisterModel builds an invoker for cfg and binds it under cfg.ID.
func (r *Registry) RegisterModel(cfg Config) error {
	if cfg.ID == "" {
		return schema.NewError(schema.ErrKindValidation, "model config requires an id")
	}
	inv, err := newInvoker(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[cfg.ID] = inv
	return nil
}

// RegisterInvoker binds a prebuilt invoker, used by tests and embedders.
func (r *Registry) RegisterInvoker(id string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[id] = inv
}

func (r *Registry) RegisterAgent(def AgentDef) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrKindValidation, "agent definition requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.ID] = def
	return nil
}

// Invoker returns the invoker for a logical model ID.
func (r *Registry) Invoker(modelID string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[modelID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrKindNotFound, "model %q is not registered", modelID)
	}
	return inv, nil
}

// Agent returns the agent definition for an agent ID.
func (r *Registry) Agent(agentID string) (AgentDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[agentID]
	if !ok {
		return AgentDef{}, schema.NewErrorf(schema.ErrKindNotFound, "agent %q is not registered", agentID)
	}
	return def, nil
}

func newInvoker(cfg Config) (Invoker, error) {
	switch cfg.Provider {
	case "openai", "":
		return newOpenAIInvoker(cfg), nil
	default:
		return nil, schema.NewErrorf(schema.ErrKindValidation, "unsupported model provider %q", cfg.Provider)
	}
}

// invocationError wraps a provider failure, marking whether a retry
// could plausibly succeed.
func invocationError(model string, transient bool, cause error) error {
	return schema.NewErrorf(schema.ErrKindModelInvocation, "model %s invocation failed: %v", model, cause).
		WithCause(cause).
		WithDetails(map[string]any{"model": model, "transient": transient})
}
