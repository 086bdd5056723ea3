// Package engine drives workflow executions: one logical interpreter
// loop per execution, strictly sequential node stepping with a
// single-writer commit phase, parallel branches on a bounded pool, and
// persistence after every step so suspension survives restarts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axiomiq/flowrun/internal/graph"
	"github.com/axiomiq/flowrun/internal/logging"
	"github.com/axiomiq/flowrun/internal/nodes"
	"github.com/axiomiq/flowrun/internal/store"
	"github.com/axiomiq/flowrun/internal/streaming"
	"github.com/axiomiq/flowrun/internal/validation"
	"github.com/axiomiq/flowrun/pkg/schema"
)

const (
	defaultMaxParallelBranches = 8
	defaultMaxSteps            = 1000
)

// Config tunes one interpreter instance. Zero values get defaults.
type Config struct {
	// MaxParallelBranches bounds concurrent branch sub-walks across
	// all executions driven by this interpreter.
	MaxParallelBranches int
	// MaxSteps aborts runaway executions.
	MaxSteps int
	// Hub, when set, receives every event also appended to the store's
	// event log, for live subscribers.
	Hub streaming.EventHub
}

// ExecutionResult is the terminal (or suspended) outcome of driving an
// execution.
type ExecutionResult struct {
	ExecutionID string
	Status      schema.ExecutionStatus
	Output      map[string]any
	ResumeToken string // set when Status is suspended
}

// Interpreter runs workflow executions against a Store. Safe for
// concurrent use; each execution is driven by exactly one loop.
type Interpreter struct {
	cfg       Config
	store     store.Store
	validator *validation.DefinitionValidator
	deps      nodes.Deps
	pool      *BranchPool
	logger    *slog.Logger
	clock     func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an interpreter. deps.Branches is owned by the interpreter
// and replaced per execution.
func New(cfg Config, st store.Store, deps nodes.Deps, logger *slog.Logger) (*Interpreter, error) {
	if cfg.MaxParallelBranches <= 0 {
		cfg.MaxParallelBranches = defaultMaxParallelBranches
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Interpreter{
		cfg:       cfg,
		store:     st,
		validator: validator,
		deps:      deps,
		pool:      NewBranchPool(cfg.MaxParallelBranches),
		logger:    logger,
		clock:     clock,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Close shuts down the branch pool. In-flight executions finish.
func (i *Interpreter) Close() { i.pool.Shutdown() }

// Start validates the definition, creates a new execution for the
// trigger event and drives it until it completes, fails or suspends.
func (i *Interpreter) Start(ctx context.Context, def *schema.WorkflowDefinition, trigger *schema.TriggerEvent) (*ExecutionResult, error) {
	if err := i.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}
	if err := i.store.SaveWorkflow(ctx, &store.Workflow{ID: def.ID, Version: def.Version, Definition: def}); err != nil {
		return nil, err
	}

	now := i.clock().UTC()
	exec := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          schema.ExecutionStatusRunning,
		Trigger:         trigger,
		Cursor:          g.Entry(),
		Variables:       defaultVariables(def),
		CreatedAt:       now,
		UpdatedAt:       now,
		StartedAt:       &now,
	}
	if trigger != nil {
		exec.TenantID = trigger.TenantID
	}
	if err := i.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	i.emit(ctx, exec.ID, "", schema.EventExecutionStarted, map[string]any{
		"workflow_id": def.ID, "workflow_version": def.Version,
	})

	return i.drive(ctx, g, exec)
}

// ResumeExecution re-drives a running execution from its persisted
// cursor, typically after a crash between steps. The step at the
// cursor is re-run; the StepSeq gate dedupes a step that was already
// committed by a racing instance.
func (i *Interpreter) ResumeExecution(ctx context.Context, executionID string) (*ExecutionResult, error) {
	exec, err := i.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionStatusRunning {
		return nil, schema.NewErrorf(schema.ErrKindInvalidTransition,
			"execution %s is %s, not running", executionID, exec.Status)
	}
	g, err := i.loadGraph(ctx, exec)
	if err != nil {
		return nil, err
	}
	return i.drive(ctx, g, exec)
}

// Resume unblocks a suspended execution with the human's decision.
// A token past its deadline fails with Expired; a second call with the
// same token fails with AlreadyResumed.
func (i *Interpreter) Resume(ctx context.Context, resumeToken string, decision map[string]any) (*ExecutionResult, error) {
	susp, err := i.store.GetSuspension(ctx, resumeToken)
	if err != nil {
		return nil, err
	}
	if susp.Status != store.SuspensionPending {
		return nil, schema.NewErrorf(schema.ErrKindAlreadyResumed,
			"resume token %s was already %s", resumeToken, susp.Status)
	}
	if i.clock().After(susp.Deadline) {
		_ = i.store.ExpireSuspension(ctx, resumeToken)
		return nil, schema.NewErrorf(schema.ErrKindExpired,
			"resume token %s expired at %s", resumeToken, susp.Deadline.Format(time.RFC3339)).
			WithNode(susp.NodeID)
	}
	// An execution cancelled while suspended must not burn the token, so
	// the transition is checked before the suspension is resolved.
	exec, err := i.store.GetExecution(ctx, susp.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(exec.ID, exec.Status, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	g, err := i.loadGraph(ctx, exec)
	if err != nil {
		return nil, err
	}
	// The conditional update makes this the single point where exactly
	// one caller wins a racing token.
	if err := i.store.ResolveSuspension(ctx, resumeToken, decision); err != nil {
		return nil, err
	}

	exec.Status = schema.ExecutionStatusRunning
	if susp.OutputKey != "" {
		if exec.Variables == nil {
			exec.Variables = make(map[string]any)
		}
		exec.Variables[susp.OutputKey] = decision
	}
	next, err := nextEdgeTarget(g, exec.Cursor, "")
	if err != nil {
		return nil, err
	}
	exec.Cursor = next
	exec.StepSeq++
	if err := i.store.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	i.emit(ctx, exec.ID, susp.NodeID, schema.EventExecutionResumed, map[string]any{
		"resume_token": resumeToken,
	})

	return i.drive(ctx, g, exec)
}

// Cancel stops an execution. An in-process loop is cancelled through
// its context and persists the cancelled state itself; an execution
// parked in the store (suspended) is cancelled directly.
func (i *Interpreter) Cancel(ctx context.Context, executionID, reason string) error {
	i.mu.Lock()
	cancel, running := i.cancels[executionID]
	i.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	exec, err := i.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := checkTransition(exec.ID, exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}
	now := i.clock().UTC()
	exec.Status = schema.ExecutionStatusCancelled
	exec.Errors = append(exec.Errors, store.NewErrorRecord(
		schema.NewErrorf(schema.ErrKindCancelled, "execution cancelled: %s", reason), now))
	exec.CompletedAt = &now
	exec.StepSeq++
	if err := i.store.SaveExecution(ctx, exec); err != nil {
		return err
	}
	i.emit(ctx, exec.ID, "", schema.EventExecutionCancelled, map[string]any{"reason": reason})
	return nil
}

// Status returns the execution's persisted state: a failed execution
// stays queryable with its last-known variables and error list, a
// suspended one with its cursor parked on the waiting node.
func (i *Interpreter) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	return i.store.GetExecution(ctx, executionID)
}

func (i *Interpreter) loadGraph(ctx context.Context, exec *store.Execution) (*graph.Graph, error) {
	wf, err := i.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	return graph.Build(wf.Definition)
}

func (i *Interpreter) drive(ctx context.Context, g *graph.Graph, exec *store.Execution) (*ExecutionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	i.mu.Lock()
	i.cancels[exec.ID] = cancel
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.cancels, exec.ID)
		i.mu.Unlock()
	}()

	if exec.Variables == nil {
		exec.Variables = make(map[string]any)
	}
	r := &run{interp: i, graph: g, exec: exec}
	deps := i.deps
	deps.Branches = r
	deps.Events = r
	deps.Logger = i.logger
	r.handlers = nodes.NewSet(deps)

	return r.loop(runCtx)
}

// emit appends an event to the durable log and fans it out to live
// subscribers; failures on either path are logged, never fatal.
func (i *Interpreter) emit(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	err := i.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		i.logger.WarnContext(ctx, "append event failed",
			"execution_id", executionID, "event", eventType, "error", err)
	}
	if i.cfg.Hub != nil {
		_ = i.cfg.Hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Type:        eventType,
			Payload:     payload,
		})
	}
}

// run drives one execution. It implements nodes.BranchRunner so loop
// and parallel handlers can walk sub-graphs through the same stepping
// machinery.
type run struct {
	interp   *Interpreter
	graph    *graph.Graph
	handlers *nodes.Set
	exec     *store.Execution
	steps    int
}

func (r *run) loop(ctx context.Context) (*ExecutionResult, error) {
	exec := r.exec
	for {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, exec.Cursor, cancelledError(exec.Cursor, err))
		}
		r.steps++
		if r.steps > r.interp.cfg.MaxSteps {
			return r.fail(ctx, exec.Cursor, schema.NewErrorf(schema.ErrKindExecution,
				"execution exceeded %d steps", r.interp.cfg.MaxSteps))
		}

		node := r.graph.Node(exec.Cursor)
		if node == nil {
			return r.fail(ctx, exec.Cursor, schema.NewErrorf(schema.ErrKindExecution,
				"cursor points at unknown node %q", exec.Cursor))
		}

		stepCtx := logging.WithIDs(ctx, exec.ID, node.ID, exec.TenantID)
		logger := logging.LogWith(stepCtx, r.interp.logger)
		logger.DebugContext(stepCtx, "node started", "type", string(node.Type), "step", exec.StepSeq+1)
		life := newNodeLifecycle()
		r.interp.emit(stepCtx, exec.ID, node.ID, schema.EventNodeStarted,
			map[string]any{"status": string(life.to(schema.NodeStatusRunning))})

		result, err := r.executeNode(stepCtx, node, exec.Variables, exec.History)
		if err != nil {
			if ctx.Err() != nil {
				err = cancelledError(node.ID, err)
			}
			payload := errorPayload(err)
			payload["status"] = string(life.to(schema.NodeStatusFailed))
			r.interp.emit(stepCtx, exec.ID, node.ID, schema.EventNodeFailed, payload)
			return r.fail(stepCtx, node.ID, err)
		}
		if result.Retries > 0 {
			r.interp.emit(stepCtx, exec.ID, node.ID, schema.EventNodeRetried,
				map[string]any{"retries": result.Retries, "status": string(life.to(schema.NodeStatusRetrying))})
			life.to(schema.NodeStatusRunning)
		}

		// Commit phase: the only writer of variables and history.
		mergeOutputs(exec.Variables, result.Outputs)
		exec.History = append(exec.History, result.History...)

		if node.Type == schema.NodeTypeCondition && result.Route.Handle != "" {
			r.interp.emit(stepCtx, exec.ID, node.ID, schema.EventConditionEvaluated,
				map[string]any{"branch": result.Route.Handle})
			// Branches not taken are recorded as skipped.
			for _, edge := range r.graph.Outgoing(node.ID) {
				if edge.SourceHandle != "" && edge.SourceHandle != result.Route.Handle {
					r.interp.emit(stepCtx, exec.ID, edge.Target, schema.EventNodeSkipped,
						map[string]any{"status": string(schema.NodeStatusSkipped), "branch": edge.SourceHandle})
				}
			}
		}

		switch result.Route.Kind {
		case nodes.RouteComplete:
			return r.complete(stepCtx, node, result)

		case nodes.RouteSuspend:
			return r.suspend(stepCtx, node, result)

		case nodes.RouteGoto:
			exec.Cursor = result.Route.Target

		case nodes.RouteAdvance:
			next, err := nextEdgeTarget(r.graph, node.ID, result.Route.Handle)
			if err != nil {
				return r.fail(stepCtx, node.ID, err)
			}
			exec.Cursor = next

		default:
			return r.fail(stepCtx, node.ID, schema.NewErrorf(schema.ErrKindExecution,
				"node %s returned unknown route %q", node.ID, result.Route.Kind))
		}

		exec.StepSeq++
		if err := r.interp.store.SaveExecution(stepCtx, exec); err != nil {
			return r.failUnsaved(stepCtx, err)
		}
		r.interp.emit(stepCtx, exec.ID, node.ID, schema.EventNodeCompleted,
			map[string]any{"status": string(life.to(schema.NodeStatusCompleted))})
	}
}

// Emit routes handler-raised events into this execution's log.
func (r *run) Emit(ctx context.Context, nodeID, eventType string, payload map[string]any) {
	r.interp.emit(ctx, r.exec.ID, nodeID, eventType, payload)
}

func (r *run) complete(ctx context.Context, node *schema.Node, result *nodes.Result) (*ExecutionResult, error) {
	exec := r.exec
	if err := checkTransition(exec.ID, exec.Status, schema.ExecutionStatusCompleted); err != nil {
		return nil, err
	}
	now := r.interp.clock().UTC()
	exec.Status = schema.ExecutionStatusCompleted
	exec.Output = result.Outputs
	exec.CompletedAt = &now
	exec.StepSeq++
	if err := r.interp.store.SaveExecution(ctx, exec); err != nil {
		return r.failUnsaved(ctx, err)
	}
	r.interp.emit(ctx, exec.ID, node.ID, schema.EventNodeCompleted,
		map[string]any{"status": string(schema.NodeStatusCompleted)})
	r.interp.emit(ctx, exec.ID, node.ID, schema.EventExecutionCompleted, nil)
	return &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Output:      exec.Output,
	}, nil
}

func (r *run) suspend(ctx context.Context, node *schema.Node, result *nodes.Result) (*ExecutionResult, error) {
	exec := r.exec
	susp := result.Route.Suspend
	if susp == nil {
		return r.fail(ctx, node.ID, schema.NewErrorf(schema.ErrKindExecution,
			"node %s suspended without a suspend request", node.ID))
	}
	if err := checkTransition(exec.ID, exec.Status, schema.ExecutionStatusSuspended); err != nil {
		return nil, err
	}
	if err := r.interp.store.CreateSuspension(ctx, &store.Suspension{
		ResumeToken: susp.ResumeToken,
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Prompt:      susp.Prompt,
		Assignee:    susp.Assignee,
		OutputKey:   susp.OutputKey,
		Deadline:    susp.Deadline,
	}); err != nil {
		return r.failUnsaved(ctx, err)
	}

	// Cursor stays parked on the suspended node; Resume advances it.
	exec.Status = schema.ExecutionStatusSuspended
	exec.StepSeq++
	if err := r.interp.store.SaveExecution(ctx, exec); err != nil {
		return r.failUnsaved(ctx, err)
	}
	r.interp.emit(ctx, exec.ID, node.ID, schema.EventNodeSuspended, map[string]any{
		"assignee": susp.Assignee,
		"deadline": susp.Deadline.Format(time.RFC3339),
		"status":   string(schema.NodeStatusSuspended),
	})
	r.interp.emit(ctx, exec.ID, node.ID, schema.EventExecutionSuspended, nil)
	return &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		ResumeToken: susp.ResumeToken,
	}, nil
}

// fail records the error, moves the execution to failed (or cancelled)
// and persists the last-known state for diagnosis.
func (r *run) fail(ctx context.Context, nodeID string, cause error) (*ExecutionResult, error) {
	exec := r.exec
	now := r.interp.clock().UTC()
	exec.Errors = append(exec.Errors, store.NewErrorRecord(cause, now))

	target := schema.ExecutionStatusFailed
	var flowErr *schema.FlowError
	if errors.As(cause, &flowErr) && flowErr.Kind == schema.ErrKindCancelled {
		target = schema.ExecutionStatusCancelled
	}
	if err := checkTransition(exec.ID, exec.Status, target); err == nil {
		exec.Status = target
	} else {
		exec.Status = schema.ExecutionStatusFailed
	}
	exec.CompletedAt = &now
	exec.StepSeq++
	if err := r.interp.store.SaveExecution(ctx, exec); err != nil {
		r.interp.logger.ErrorContext(ctx, "persist failed execution",
			"execution_id", exec.ID, "error", err)
	}
	r.interp.emit(ctx, exec.ID, nodeID, executionEventType(exec.Status), errorPayload(cause))

	return &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
	}, cause
}

// failUnsaved handles store-level commit failures, where mutating the
// execution further would only compound the problem.
func (r *run) failUnsaved(ctx context.Context, err error) (*ExecutionResult, error) {
	r.interp.logger.ErrorContext(ctx, "step commit failed",
		"execution_id", r.exec.ID, "error", err)
	return &ExecutionResult{ExecutionID: r.exec.ID, Status: r.exec.Status}, err
}

func (r *run) executeNode(ctx context.Context, node *schema.Node, vars map[string]any, history []schema.Message) (result *nodes.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = newPanicError(p)
		}
	}()

	h, err := r.handlers.For(node.Type)
	if err != nil {
		return nil, err
	}
	req := &nodes.Request{
		Node:        node,
		Vars:        vars,
		History:     history,
		ExecutionID: r.exec.ID,
		TenantID:    r.exec.TenantID,
	}
	if node.Type == schema.NodeTypeTrigger {
		req.Trigger = r.exec.Trigger
	}
	if node.Type == schema.NodeTypeParallel {
		req.Join = r.graph.JoinOf(node.ID)
	}
	return h.Execute(ctx, req)
}

// RunSequence executes a loop body: the named nodes in order against
// the iteration's forked variable store. Outputs accumulate into both
// the forked vars (visible to later body nodes) and the returned map.
func (r *run) RunSequence(ctx context.Context, nodeIDs []string, vars map[string]any) (map[string]any, error) {
	outputs := make(map[string]any)
	for _, id := range nodeIDs {
		node := r.graph.Node(id)
		if node == nil {
			return nil, schema.NewErrorf(schema.ErrKindExecution, "loop body references unknown node %q", id)
		}
		result, err := r.executeNode(ctx, node, vars, r.exec.History)
		if err != nil {
			return nil, err
		}
		if result.Route.Kind == nodes.RouteSuspend {
			return nil, schema.NewErrorf(schema.ErrKindExecution,
				"node %s: suspension inside a loop body is not supported", id).WithNode(id)
		}
		mergeOutputs(vars, result.Outputs)
		mergeOutputs(outputs, result.Outputs)
	}
	return outputs, nil
}

// RunBranch walks the graph from start until it reaches join
// (exclusive), bounded by the shared branch pool. The branch writes
// only into its forked vars; the parallel handler namespaces the
// returned outputs at the merge.
func (r *run) RunBranch(ctx context.Context, start, join string, vars map[string]any) (map[string]any, error) {
	outputs := make(map[string]any)
	err := r.interp.pool.Do(ctx, func(ctx context.Context) error {
		cursor := start
		steps := 0
		for cursor != join {
			if err := ctx.Err(); err != nil {
				return err
			}
			steps++
			if steps > r.interp.cfg.MaxSteps {
				return schema.NewErrorf(schema.ErrKindExecution,
					"branch from %s exceeded %d steps", start, r.interp.cfg.MaxSteps)
			}
			node := r.graph.Node(cursor)
			if node == nil {
				return schema.NewErrorf(schema.ErrKindExecution, "branch references unknown node %q", cursor)
			}

			result, err := r.executeNode(ctx, node, vars, r.exec.History)
			if err != nil {
				return err
			}
			mergeOutputs(vars, result.Outputs)
			mergeOutputs(outputs, result.Outputs)

			switch result.Route.Kind {
			case nodes.RouteAdvance:
				next, err := nextEdgeTarget(r.graph, node.ID, result.Route.Handle)
				if err != nil {
					return err
				}
				cursor = next
			case nodes.RouteGoto:
				cursor = result.Route.Target
			case nodes.RouteSuspend:
				return schema.NewErrorf(schema.ErrKindExecution,
					"node %s: suspension inside a parallel branch is not supported", node.ID).WithNode(node.ID)
			case nodes.RouteComplete:
				return schema.NewErrorf(schema.ErrKindExecution,
					"branch from %s reached terminal node %s before its join", start, node.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// --- helpers ---

func nextEdgeTarget(g *graph.Graph, nodeID, handle string) (string, error) {
	if handle != "" {
		edges := g.OutgoingByHandle(nodeID, handle)
		if len(edges) == 0 {
			return "", schema.NewErrorf(schema.ErrKindNoMatchingBranch,
				"node %s has no outgoing edge for branch %q", nodeID, handle).WithNode(nodeID)
		}
		return edges[0].Target, nil
	}
	edges := g.Outgoing(nodeID)
	if len(edges) == 0 {
		return "", schema.NewErrorf(schema.ErrKindExecution,
			"node %s has no outgoing edge", nodeID).WithNode(nodeID)
	}
	return edges[0].Target, nil
}

func defaultVariables(def *schema.WorkflowDefinition) map[string]any {
	vars := make(map[string]any)
	for _, v := range def.Variables {
		if v.Default != nil {
			vars[v.Name] = v.Default
		}
	}
	return vars
}

func mergeOutputs(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func errorPayload(err error) map[string]any {
	payload := map[string]any{"error": err.Error()}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		payload["kind"] = flowErr.Kind
		if flowErr.NodeID != "" {
			payload["node_id"] = flowErr.NodeID
		}
	}
	return payload
}

func cancelledError(nodeID string, cause error) error {
	var flowErr *schema.FlowError
	if errors.As(cause, &flowErr) && flowErr.Kind == schema.ErrKindCancelled {
		return cause
	}
	return schema.NewError(schema.ErrKindCancelled, "execution cancelled").
		WithNode(nodeID).WithCause(cause)
}

func newPanicError(v any) error {
	return schema.NewErrorf(schema.ErrKindExecution, "node handler panicked: %v", v).
		WithDetails(map[string]any{"panic": fmt.Sprintf("%v", v)})
}
