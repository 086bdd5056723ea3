// Package nodes implements one handler per workflow node type. Handlers
// receive a read-only variable snapshot and return outputs plus a routing
// directive; the interpreter owns all writes to execution state.
package nodes

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/axiomiq/flowrun/internal/connector"
	"github.com/axiomiq/flowrun/internal/expressions"
	"github.com/axiomiq/flowrun/internal/model"
	"github.com/axiomiq/flowrun/pkg/schema"
)

// RouteKind is the routing directive a handler returns.
type RouteKind string

const (
	// RouteAdvance follows the node's outgoing edge, optionally picking
	// the edge by source-handle label.
	RouteAdvance RouteKind = "advance"
	// RouteGoto jumps to a named node.
	RouteGoto RouteKind = "goto"
	// RouteSuspend halts the execution pending an external resume.
	RouteSuspend RouteKind = "suspend"
	// RouteComplete terminates the execution successfully.
	RouteComplete RouteKind = "complete"
)

// Route tells the interpreter where execution goes after a node.
// Failures are expressed as handler errors, not a route kind.
type Route struct {
	Kind    RouteKind
	Handle  string // branch label for RouteAdvance
	Target  string // node id for RouteGoto
	Suspend *SuspendRequest
}

// SuspendRequest carries everything the store needs to persist a
// pending human-input gate.
type SuspendRequest struct {
	ResumeToken string
	Prompt      string
	Assignee    string
	OutputKey   string
	Deadline    time.Time
}

func Advance() Route                 { return Route{Kind: RouteAdvance} }
func AdvanceVia(handle string) Route { return Route{Kind: RouteAdvance, Handle: handle} }
func Goto(target string) Route       { return Route{Kind: RouteGoto, Target: target} }
func Complete() Route                { return Route{Kind: RouteComplete} }

// Request is one node execution. Vars is a snapshot the handler must
// not mutate; all writes flow back through Result.Outputs.
type Request struct {
	Node        *schema.Node
	Vars        map[string]any
	History     []schema.Message
	Trigger     *schema.TriggerEvent // trigger nodes only
	Join        string               // parallel nodes only: the computed join node
	ExecutionID string
	TenantID    string
}

// Result is what a handler hands back to the interpreter's commit phase.
type Result struct {
	Outputs map[string]any   // merged into the variable store at commit
	History []schema.Message // appended to the message history at commit
	Route   Route
	Retries int // transient retries performed inside the handler
}

// Handler executes one node type.
type Handler interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// BranchRunner lets loop and parallel handlers drive sub-walks of the
// graph without depending on interpreter internals. The interpreter
// implements it.
type BranchRunner interface {
	// RunSequence executes the named nodes in order against a forked
	// variable store and returns the outputs they produced.
	RunSequence(ctx context.Context, nodeIDs []string, vars map[string]any) (map[string]any, error)
	// RunBranch walks the graph from start until it reaches join,
	// returning the branch's accumulated outputs.
	RunBranch(ctx context.Context, start, join string, vars map[string]any) (map[string]any, error)
}

// EventSink receives node-scoped events raised inside handlers, such as
// branch completions and delegation activity. The interpreter implements
// it and routes events into the execution's log.
type EventSink interface {
	Emit(ctx context.Context, nodeID, eventType string, payload map[string]any)
}

// Deps supplies the external collaborators handlers need.
type Deps struct {
	Resolver  *expressions.Resolver
	Models    *model.Registry
	Connector connector.Connector
	Branches  BranchRunner
	Events    EventSink
	Clock     func() time.Time
	NewToken  func() string
	Logger    *slog.Logger
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Deps) token() string {
	if d.NewToken != nil {
		return d.NewToken()
	}
	return uuid.NewString()
}

func (d *Deps) emit(ctx context.Context, nodeID, eventType string, payload map[string]any) {
	if d.Events != nil {
		d.Events.Emit(ctx, nodeID, eventType, payload)
	}
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Set maps node types to their handlers.
type Set struct {
	handlers map[schema.NodeType]Handler
}

// NewSet builds the full handler set over a shared dependency bundle.
func NewSet(deps Deps) *Set {
	return &Set{handlers: map[schema.NodeType]Handler{
		schema.NodeTypeTrigger:    &TriggerHandler{deps: deps},
		schema.NodeTypeAgent:      &AgentHandler{deps: deps},
		schema.NodeTypeTool:       &ToolHandler{deps: deps},
		schema.NodeTypeCondition:  &ConditionHandler{deps: deps},
		schema.NodeTypeTransform:  &TransformHandler{deps: deps},
		schema.NodeTypeLoop:       &LoopHandler{deps: deps},
		schema.NodeTypeParallel:   &ParallelHandler{deps: deps},
		schema.NodeTypeHumanInput: &HumanInputHandler{deps: deps},
		schema.NodeTypeOutput:     &OutputHandler{deps: deps},
	}}
}

// For returns the handler for a node type.
func (s *Set) For(t schema.NodeType) (Handler, error) {
	h, ok := s.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrKindValidation, "no handler for node type %q", t)
	}
	return h, nil
}

func parseConfig[T any](node *schema.Node) (*T, error) {
	var cfg T
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrKindValidation,
				"node %s: invalid %s config", node.ID, node.Type).
				WithNode(node.ID).WithCause(err)
		}
	}
	return &cfg, nil
}
