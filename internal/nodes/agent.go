package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/axiomiq/flowrun/internal/delegation"
	"github.com/axiomiq/flowrun/internal/model"
	"github.com/axiomiq/flowrun/pkg/schema"
)

// AgentHandler invokes a registered agent's model with the resolved
// input and the running message history. A supervisor config switches
// the node into the delegation loop instead of a single invocation.
type AgentHandler struct {
	deps Deps
}

func (h *AgentHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.AgentConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if cfg.OutputKey == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"agent node %s: missing outputKey", req.Node.ID).WithNode(req.Node.ID)
	}

	agent, err := h.deps.Models.Agent(cfg.AgentID)
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}
	modelID := agent.Model
	if cfg.ModelOverride != "" {
		modelID = cfg.ModelOverride
	}

	inputs, err := h.deps.Resolver.Mapping(cfg.InputMapping, req.Vars)
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}

	callCtx := ctx
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if cfg.Supervisor != nil {
		return h.supervise(callCtx, req, cfg, agent, inputs)
	}

	inv, err := h.deps.Models.Invoker(modelID)
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}

	task := renderTask(inputs)
	history := append(cloneHistory(req.History), schema.UserMessage(task))

	completion, retries, err := withRetry(callCtx, cfg.MaxRetries,
		func(ctx context.Context) (*model.Completion, error) {
			return inv.Invoke(ctx, &model.Invocation{
				Model:        modelID,
				SystemPrompt: agent.SystemPrompt,
				History:      history,
			})
		})
	if err != nil {
		return nil, h.classify(err, req.Node.ID, cfg)
	}

	return &Result{
		Outputs: map[string]any{cfg.OutputKey: parseAgentOutput(completion.Text)},
		History: []schema.Message{
			schema.UserMessage(task),
			schema.AssistantMessage(agent.Name, completion.Text),
		},
		Route:   Advance(),
		Retries: retries,
	}, nil
}

func (h *AgentHandler) supervise(ctx context.Context, req *Request, cfg *schema.AgentConfig, agent model.AgentDef, inputs map[string]any) (*Result, error) {
	sup, err := delegation.New(h.deps.Models, agent, cfg.Supervisor.Workers,
		cfg.Supervisor.MaxCycles, h.deps.logger())
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}
	sup.Observe(func(event string, payload map[string]any) {
		h.deps.emit(ctx, req.Node.ID, event, payload)
	})

	outcome, err := sup.Run(ctx, renderTask(inputs), cloneHistory(req.History))
	if err != nil {
		return nil, h.classify(err, req.Node.ID, cfg)
	}

	appended := outcome.History[len(req.History):]
	return &Result{
		Outputs: map[string]any{cfg.OutputKey: parseAgentOutput(outcome.Text)},
		History: appended,
		Route:   Advance(),
	}, nil
}

// classify maps a terminal invocation error to its surfaced kind:
// deadline overruns become Timeout, everything else keeps or gains the
// model-invocation kind.
func (h *AgentHandler) classify(err error, nodeID string, cfg *schema.AgentConfig) error {
	if cfg.TimeoutMs > 0 && errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrKindTimeout,
			"agent node %s timed out after %dms", nodeID, cfg.TimeoutMs).
			WithNode(nodeID).WithCause(err)
	}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return wrapNodeErr(err, nodeID)
	}
	return schema.NewErrorf(schema.ErrKindModelInvocation, "agent node %s: %v", nodeID, err).
		WithNode(nodeID).WithCause(err)
}

// renderTask flattens resolved inputs into the user message handed to
// the model. A single "input" key passes through as-is.
func renderTask(inputs map[string]any) string {
	if len(inputs) == 0 {
		return ""
	}
	if v, ok := inputs["input"]; ok && len(inputs) == 1 {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Sprintf("%v", inputs)
	}
	return string(b)
}

// parseAgentOutput keeps structured model replies structured: a reply
// that is valid JSON is stored decoded, anything else as text.
func parseAgentOutput(text string) any {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		switch decoded.(type) {
		case map[string]any, []any:
			return decoded
		}
	}
	return text
}

func cloneHistory(history []schema.Message) []schema.Message {
	out := make([]schema.Message, len(history))
	copy(out, history)
	return out
}
