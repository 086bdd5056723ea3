package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/axiomiq/flowrun/internal/connector"
	"github.com/axiomiq/flowrun/pkg/schema"
)

// ToolHandler proxies an integration call through the connector and
// stores the provider response under the node's output key.
type ToolHandler struct {
	deps Deps
}

func (h *ToolHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.ToolConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if cfg.Provider == "" || cfg.Action == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"tool node %s: missing provider or action", req.Node.ID).WithNode(req.Node.ID)
	}
	if cfg.OutputKey == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"tool node %s: missing outputKey", req.Node.ID).WithNode(req.Node.ID)
	}

	payload, err := h.deps.Resolver.Mapping(cfg.InputMapping, req.Vars)
	if err != nil {
		return nil, wrapNodeErr(err, req.Node.ID)
	}

	callCtx := ctx
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultToolRetries
	}

	out, retries, err := withRetry(callCtx, maxRetries,
		func(ctx context.Context) (map[string]any, error) {
			return h.deps.Connector.Call(ctx, &connector.Request{
				TenantID: req.TenantID,
				Provider: cfg.Provider,
				Endpoint: cfg.Action,
				Method:   cfg.Method,
				Payload:  payload,
			})
		})
	if err != nil {
		if cfg.TimeoutMs > 0 && errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrKindTimeout,
				"tool node %s timed out after %dms", req.Node.ID, cfg.TimeoutMs).
				WithNode(req.Node.ID).WithCause(err)
		}
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) {
			return nil, wrapNodeErr(err, req.Node.ID)
		}
		return nil, schema.NewErrorf(schema.ErrKindToolInvocation, "tool node %s: %v", req.Node.ID, err).
			WithNode(req.Node.ID).WithCause(err)
	}

	return &Result{
		Outputs: map[string]any{cfg.OutputKey: anyMap(out)},
		Route:   Advance(),
		Retries: retries,
	}, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
