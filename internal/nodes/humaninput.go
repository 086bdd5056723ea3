package nodes

import (
	"context"
	"time"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// Deadline applied when a humanInput node declares no timeoutHours.
const defaultSuspendHours = 72

// HumanInputHandler suspends the execution pending an external resume
// call. The prompt, assignee and deadline are persisted by the store so
// the execution survives a process restart.
type HumanInputHandler struct {
	deps Deps
}

func (h *HumanInputHandler) Execute(_ context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.HumanInputConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if cfg.Prompt == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"humanInput node %s: missing prompt", req.Node.ID).WithNode(req.Node.ID)
	}

	prompt := cfg.Prompt
	if resolved, resolveErr := h.deps.Resolver.Template(prompt, req.Vars); resolveErr == nil {
		prompt = stringifyAny(resolved)
	} else {
		return nil, wrapNodeErr(resolveErr, req.Node.ID)
	}

	hours := cfg.TimeoutHours
	if hours <= 0 {
		hours = defaultSuspendHours
	}

	return &Result{
		Route: Route{
			Kind: RouteSuspend,
			Suspend: &SuspendRequest{
				ResumeToken: h.deps.token(),
				Prompt:      prompt,
				Assignee:    cfg.Assignee,
				OutputKey:   cfg.OutputKey,
				Deadline:    h.deps.now().Add(time.Duration(hours) * time.Hour),
			},
		},
	}, nil
}
