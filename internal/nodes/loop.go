package nodes

import (
	"context"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// Upper bound on loop iterations when the node config sets none.
const defaultMaxIterations = 100

// LoopHandler runs its body node sequence once per element of the
// source sequence, accumulating per-iteration outputs under outputKey.
// Iterations run against forked variable stores; an iteration failure
// aborts the loop.
type LoopHandler struct {
	deps Deps
}

func (h *LoopHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.LoopConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if cfg.Source == "" || cfg.ItemKey == "" || cfg.OutputKey == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"loop node %s: source, itemKey and outputKey are required", req.Node.ID).
			WithNode(req.Node.ID)
	}
	if len(cfg.Body) == 0 {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"loop node %s: empty body", req.Node.ID).WithNode(req.Node.ID)
	}

	source, err := h.deps.Resolver.Template(cfg.Source, req.Vars)
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}
	items, ok := source.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrKindTypeMismatch,
			"loop node %s: source %q is not a sequence", req.Node.ID, cfg.Source).
			WithNode(req.Node.ID).
			WithDetails(map[string]any{"source": cfg.Source})
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if len(items) > maxIterations {
		return nil, schema.NewErrorf(schema.ErrKindExecution,
			"loop node %s: %d elements exceed max iterations %d", req.Node.ID, len(items), maxIterations).
			WithNode(req.Node.ID).
			WithDetails(map[string]any{"elements": len(items), "maxIterations": maxIterations})
	}

	accumulated := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindCancelled,
				"loop node %s cancelled at iteration %d", req.Node.ID, i).
				WithNode(req.Node.ID).WithCause(err)
		}

		iterVars := forkVars(req.Vars)
		iterVars[cfg.ItemKey] = item
		iterVars["loopIndex"] = i

		outputs, err := h.deps.Branches.RunSequence(ctx, cfg.Body, iterVars)
		if err != nil {
			return nil, wrapNodeErr(err, req.Node.ID)
		}
		accumulated = append(accumulated, iterationValue(outputs))
	}

	return &Result{
		Outputs: map[string]any{cfg.OutputKey: accumulated},
		Route:   Advance(),
	}, nil
}

// iterationValue collapses one iteration's outputs: a single output key
// contributes its value directly, multiple keys keep the map shape.
func iterationValue(outputs map[string]any) any {
	if len(outputs) == 1 {
		for _, v := range outputs {
			return v
		}
	}
	return outputs
}

// forkVars shallow-copies the variable store for an isolated sub-walk.
func forkVars(vars map[string]any) map[string]any {
	forked := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		forked[k] = v
	}
	return forked
}
