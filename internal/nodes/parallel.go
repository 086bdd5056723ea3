package nodes

import (
	"context"
	"errors"
	"sync"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// ParallelHandler forks each declared branch as a concurrent sub-walk
// over a shared read-only snapshot. Branch outputs land in
// branch-scoped namespaces merged deterministically at the join, so
// the result is identical under every completion ordering.
type ParallelHandler struct {
	deps Deps
}

func (h *ParallelHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg, err := parseConfig[schema.ParallelConfig](req.Node)
	if err != nil {
		return nil, err
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"parallel node %s: no branches declared", req.Node.ID).WithNode(req.Node.ID)
	}
	if req.Join == "" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"parallel node %s: no join node computed", req.Node.ID).WithNode(req.Node.ID)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchResult struct {
		key     string
		outputs map[string]any
		err     error
	}

	results := make([]branchResult, len(cfg.Branches))
	var wg sync.WaitGroup
	for i, branch := range cfg.Branches {
		wg.Add(1)
		go func(i int, branch schema.ParallelBranch) {
			defer wg.Done()
			key := branch.ID
			if key == "" {
				key = branch.Start
			}
			outputs, err := h.deps.Branches.RunBranch(branchCtx, branch.Start, req.Join, forkVars(req.Vars))
			results[i] = branchResult{key: key, outputs: outputs, err: err}
			if err != nil {
				// A failed branch cancels its siblings.
				cancel()
			}
		}(i, branch)
	}
	wg.Wait()

	// Prefer the branch that actually failed over siblings that were
	// cancelled because of it.
	var firstErr error
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if firstErr == nil || errors.Is(firstErr, context.Canceled) {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return nil, wrapNodeErr(firstErr, req.Node.ID)
	}

	// Merge in declaration order: deterministic regardless of which
	// branch finished first.
	merged := make(map[string]any, len(results))
	for _, r := range results {
		merged[r.key] = r.outputs
		h.deps.emit(ctx, req.Node.ID, schema.EventBranchCompleted,
			map[string]any{"branch": r.key})
	}

	return &Result{
		Outputs: merged,
		Route:   Goto(req.Join),
	}, nil
}
