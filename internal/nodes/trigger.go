package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// TriggerHandler turns the firing event into the execution's initial
// variable bindings.
type TriggerHandler struct {
	deps Deps
}

func (h *TriggerHandler) Execute(_ context.Context, req *Request) (*Result, error) {
	outputs := make(map[string]any)
	if req.Trigger != nil {
		for k, v := range req.Trigger.Payload {
			outputs[k] = v
		}
		outputs["trigger"] = map[string]any{
			"source":     req.Trigger.Source,
			"workflowId": req.Trigger.WorkflowID,
			"firedAt":    h.deps.now().UTC().Format(time.RFC3339),
		}
	}
	return &Result{Outputs: outputs, Route: Advance()}, nil
}

// OutputHandler resolves the final output mapping and terminates the
// execution.
type OutputHandler struct {
	deps Deps
}

func (h *OutputHandler) Execute(_ context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.OutputConfig](req.Node)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{}
	if len(cfg.OutputMapping) > 0 {
		resolved, err := h.deps.Resolver.Mapping(cfg.OutputMapping, req.Vars)
		if err != nil {
			return nil, wrapNodeErr(err, req.Node.ID)
		}
		outputs = resolved
	}
	return &Result{Outputs: outputs, Route: Complete()}, nil
}

// wrapNodeErr tags a structured error with the failing node id.
func wrapNodeErr(err error, nodeID string) error {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) && flowErr.NodeID == "" {
		return flowErr.WithNode(nodeID)
	}
	return err
}
