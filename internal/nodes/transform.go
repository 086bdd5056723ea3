package nodes

import (
	"context"
	"errors"

	"github.com/axiomiq/flowrun/internal/expressions"
	"github.com/axiomiq/flowrun/pkg/schema"
)

// TransformHandler applies a pure transform to the value at inputKey.
// Transforms are deterministic and never retried; any evaluation error
// fails the step immediately.
type TransformHandler struct {
	deps Deps
}

func (h *TransformHandler) Execute(_ context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.TransformConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if cfg.OutputKey == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"transform node %s: missing outputKey", req.Node.ID).WithNode(req.Node.ID)
	}

	var out any
	switch cfg.TransformType {
	case "query":
		input, lookupErr := h.input(req, cfg)
		if lookupErr != nil {
			return nil, lookupErr
		}
		out, err = h.deps.Resolver.Query(cfg.Expression, input)
	case "template":
		out, err = h.deps.Resolver.Template(cfg.Expression, req.Vars)
	case "expression":
		env := req.Vars
		if cfg.InputKey != "" {
			input, lookupErr := h.input(req, cfg)
			if lookupErr != nil {
				return nil, lookupErr
			}
			env = map[string]any{"input": input}
		}
		out, err = h.deps.Resolver.Eval(cfg.Expression, env)
	default:
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"transform node %s: unknown transformType %q", req.Node.ID, cfg.TransformType).
			WithNode(req.Node.ID)
	}
	if err != nil {
		return nil, h.asTransformError(err, req.Node.ID)
	}

	return &Result{
		Outputs: map[string]any{cfg.OutputKey: out},
		Route:   Advance(),
	}, nil
}

func (h *TransformHandler) input(req *Request, cfg *schema.TransformConfig) (any, error) {
	if cfg.InputKey == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"transform node %s: %s transform requires inputKey", req.Node.ID, cfg.TransformType).
			WithNode(req.Node.ID)
	}
	input, err := expressions.LookupPath(req.Vars, cfg.InputKey)
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}
	return input, nil
}

// asTransformError keeps resolution errors distinct but folds engine
// failures into the transform kind.
func (h *TransformHandler) asTransformError(err error, nodeID string) error {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		switch flowErr.Kind {
		case schema.ErrKindUnknownPath, schema.ErrKindTypeMismatch, schema.ErrKindTransform:
			return wrapNodeErr(err, nodeID)
		}
	}
	return schema.NewErrorf(schema.ErrKindTransform, "transform node %s: %v", nodeID, err).
		WithNode(nodeID).WithCause(err)
}
