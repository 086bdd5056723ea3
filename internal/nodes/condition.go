package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/axiomiq/flowrun/internal/model"
	"github.com/axiomiq/flowrun/pkg/schema"
)

// ConditionHandler routes execution through the first matching branch.
// Expression branches evaluate in declaration order; llm conditions ask
// a model to classify, constrained to the declared label set.
type ConditionHandler struct {
	deps Deps
}

func (h *ConditionHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.ConditionConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"condition node %s: no branches declared", req.Node.ID).WithNode(req.Node.ID)
	}

	var label string
	switch cfg.ConditionType {
	case "llm":
		label, err = h.classifyLLM(ctx, req, cfg)
	default:
		label, err = h.evaluateExpressions(req, cfg)
	}
	if err != nil {
		return nil, err
	}

	if label == "" {
		if cfg.DefaultBranch != "" {
			label = cfg.DefaultBranch
		} else {
			return nil, schema.NewErrorf(schema.ErrKindNoMatchingBranch,
				"condition node %s: no branch matched", req.Node.ID).WithNode(req.Node.ID)
		}
	}

	return &Result{Route: AdvanceVia(label)}, nil
}

// evaluateExpressions returns the label of the first branch whose
// condition is true, or "" when none match.
func (h *ConditionHandler) evaluateExpressions(req *Request, cfg *schema.ConditionConfig) (string, error) {
	for _, branch := range cfg.Branches {
		if branch.Condition == "" {
			continue
		}
		ok, err := h.deps.Resolver.Condition(branch.Condition, req.Vars)
		if err != nil {
			return "", wrapNodeErr(err, req.Node.ID)
		}
		if ok {
			return branch.Label, nil
		}
	}
	return "", nil
}

// classifyLLM asks the configured model which declared label applies.
// An answer outside the label set counts as no match.
func (h *ConditionHandler) classifyLLM(ctx context.Context, req *Request, cfg *schema.ConditionConfig) (string, error) {
	if cfg.LLMModel == "" {
		return "", schema.NewErrorf(schema.ErrKindValidation,
			"condition node %s: llm condition requires llmModel", req.Node.ID).WithNode(req.Node.ID)
	}
	inv, err := h.deps.Models.Invoker(cfg.LLMModel)
	if err != nil {
		return "", wrapNodeErr(err, req.Node.ID)
	}

	prompt := cfg.LLMPrompt
	if prompt != "" {
		resolved, resolveErr := h.deps.Resolver.Template(prompt, req.Vars)
		if resolveErr != nil {
			return "", wrapNodeErr(resolveErr, req.Node.ID)
		}
		prompt = stringifyAny(resolved)
	}

	labels := make([]string, len(cfg.Branches))
	for i, b := range cfg.Branches {
		labels[i] = b.Label
	}

	system := "Classify the input into exactly one of the following labels and reply with the label only, nothing else: " +
		strings.Join(labels, ", ")

	completion, err := inv.Invoke(ctx, &model.Invocation{
		Model:        cfg.LLMModel,
		SystemPrompt: system,
		History:      []schema.Message{schema.UserMessage(prompt)},
	})
	if err != nil {
		return "", wrapNodeErr(err, req.Node.ID)
	}

	answer := strings.TrimSpace(completion.Text)
	for _, l := range labels {
		if strings.EqualFold(answer, l) {
			return l, nil
		}
	}
	return "", nil
}

func stringifyAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
