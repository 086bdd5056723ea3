package graph

import (
	"encoding/json"
	"sort"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// Graph is the in-memory executable form of a WorkflowDefinition. Built once
// per definition, read-only afterwards, shared safely across executions.
type Graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*schema.Node
	outgoing map[string][]schema.Edge // source node ID -> edges, declaration order
	byHandle map[string]map[string][]schema.Edge
	inDegree map[string]int
	entry    string
	joins    map[string]string // parallel node ID -> join node ID
}

// Build validates a workflow definition and compiles it into a Graph.
// Every failure is a FlowError with kind VALIDATION_ERROR naming the node or
// edge at fault.
func Build(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrKindValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrKindValidation, "workflow has no nodes")
	}

	g := &Graph{
		def:      def,
		nodes:    make(map[string]*schema.Node, len(def.Nodes)),
		outgoing: make(map[string][]schema.Edge, len(def.Nodes)),
		byHandle: make(map[string]map[string][]schema.Edge),
		inDegree: make(map[string]int, len(def.Nodes)),
		joins:    make(map[string]string),
	}

	// First pass: register nodes, check duplicates, find the entry node.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrKindValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrKindValidation, "duplicate node ID: %s", node.ID)
		}
		if !validNodeTypes[node.Type] {
			return nil, schema.NewErrorf(schema.ErrKindValidation, "node %s has unknown type: %s", node.ID, node.Type).WithNode(node.ID)
		}
		if node.Type == schema.NodeTypeTrigger {
			if g.entry != "" {
				return nil, schema.NewErrorf(schema.ErrKindValidation,
					"multiple trigger nodes: %s and %s (exactly one entry required)", g.entry, node.ID)
			}
			g.entry = node.ID
		}
		g.nodes[node.ID] = node
	}
	if g.entry == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "workflow has no trigger node")
	}

	// Second pass: edges must resolve and build adjacency (declaration order).
	for _, edge := range def.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrKindValidation,
				"edge %s references unknown source node: %s", edgeLabel(edge), edge.Source)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrKindValidation,
				"edge %s references unknown target node: %s", edgeLabel(edge), edge.Target)
		}
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
		if g.byHandle[edge.Source] == nil {
			g.byHandle[edge.Source] = make(map[string][]schema.Edge)
		}
		g.byHandle[edge.Source][edge.SourceHandle] = append(g.byHandle[edge.Source][edge.SourceHandle], edge)
		g.inDegree[edge.Target]++
	}

	// Third pass: type-specific config constraints.
	for _, node := range g.nodes {
		if err := validateNodeConfig(node); err != nil {
			return nil, err
		}
	}

	// Output nodes are terminal.
	for id, node := range g.nodes {
		if node.Type == schema.NodeTypeOutput && len(g.outgoing[id]) > 0 {
			return nil, schema.NewErrorf(schema.ErrKindValidation,
				"output node %s has outgoing edges", id).WithNode(id)
		}
	}

	// Reachability: every node reachable from the entry. Nodes referenced
	// only through loop bodies or parallel branch declarations count as
	// reachable through their owning node.
	if err := g.checkReachability(); err != nil {
		return nil, err
	}

	// Cycle check over static edges (loops iterate via body lists, not
	// back-edges).
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	// Resolve loop bodies and parallel joins.
	for id, node := range g.nodes {
		switch node.Type {
		case schema.NodeTypeLoop:
			var cfg schema.LoopConfig
			if err := json.Unmarshal(node.Config, &cfg); err != nil {
				return nil, schema.NewErrorf(schema.ErrKindValidation, "loop node %s: invalid config: %s", id, err.Error()).WithNode(id)
			}
			for _, bodyID := range cfg.Body {
				if _, ok := g.nodes[bodyID]; !ok {
					return nil, schema.NewErrorf(schema.ErrKindValidation,
						"loop node %s body references unknown node: %s", id, bodyID).WithNode(id)
				}
			}
		case schema.NodeTypeParallel:
			join, err := g.computeJoin(node)
			if err != nil {
				return nil, err
			}
			g.joins[id] = join
		}
	}

	return g, nil
}

var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeTrigger:    true,
	schema.NodeTypeAgent:      true,
	schema.NodeTypeTool:       true,
	schema.NodeTypeCondition:  true,
	schema.NodeTypeTransform:  true,
	schema.NodeTypeLoop:       true,
	schema.NodeTypeParallel:   true,
	schema.NodeTypeHumanInput: true,
	schema.NodeTypeOutput:     true,
}

// Entry returns the ID of the single trigger node.
func (g *Graph) Entry() string { return g.entry }

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *schema.Node { return g.nodes[id] }

// Definition returns the underlying workflow definition.
func (g *Graph) Definition() *schema.WorkflowDefinition { return g.def }

// Outgoing returns the outgoing edges of a node in declaration order.
func (g *Graph) Outgoing(id string) []schema.Edge { return g.outgoing[id] }

// OutgoingByHandle returns the outgoing edges of a node restricted to a
// source-handle label.
func (g *Graph) OutgoingByHandle(id, handle string) []schema.Edge {
	if m := g.byHandle[id]; m != nil {
		return m[handle]
	}
	return nil
}

// InDegree returns the number of incoming edges of a node.
func (g *Graph) InDegree(id string) int { return g.inDegree[id] }

// JoinOf returns the join node of a parallel node.
func (g *Graph) JoinOf(parallelID string) string { return g.joins[parallelID] }

// NodeIDs returns all node IDs in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// checkReachability walks from the entry node, following edges plus loop
// body and parallel branch declarations, and rejects unreachable nodes.
func (g *Graph) checkReachability() error {
	seen := make(map[string]bool, len(g.nodes))
	queue := []string{g.entry}
	seen[g.entry] = true

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		next := make([]string, 0, 4)
		for _, edge := range g.outgoing[cur] {
			next = append(next, edge.Target)
		}
		node := g.nodes[cur]
		switch node.Type {
		case schema.NodeTypeLoop:
			var cfg schema.LoopConfig
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				next = append(next, cfg.Body...)
			}
		case schema.NodeTypeParallel:
			var cfg schema.ParallelConfig
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				for _, b := range cfg.Branches {
					next = append(next, b.Start)
				}
			}
		}

		for _, id := range next {
			if _, ok := g.nodes[id]; !ok {
				continue // reported by config validation
			}
			if !seen[id] {
				seen[id] = true
				queue = append(queue, id)
			}
		}
	}

	for id := range g.nodes {
		if !seen[id] {
			return schema.NewErrorf(schema.ErrKindValidation,
				"node %s is not reachable from the trigger node", id).WithNode(id)
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the static edges.
func (g *Graph) checkAcyclic() error {
	inDeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDeg[id] = 0
	}
	for _, edges := range g.outgoing {
		for _, e := range edges {
			inDeg[e.Target]++
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for id, d := range inDeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range g.outgoing[cur] {
			inDeg[e.Target]--
			if inDeg[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if visited != len(g.nodes) {
		return schema.NewError(schema.ErrKindValidation, "workflow graph contains a cycle")
	}
	return nil
}

// computeJoin finds the join node of a parallel node: the first node with
// in-degree > 1 reachable from all declared branches. Branch prefixes before
// the join must be pairwise disjoint.
func (g *Graph) computeJoin(node *schema.Node) (string, error) {
	var cfg schema.ParallelConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return "", schema.NewErrorf(schema.ErrKindValidation, "parallel node %s: invalid config: %s", node.ID, err.Error()).WithNode(node.ID)
	}

	reach := make([]map[string]int, len(cfg.Branches)) // node -> BFS depth
	for i, b := range cfg.Branches {
		if _, ok := g.nodes[b.Start]; !ok {
			return "", schema.NewErrorf(schema.ErrKindValidation,
				"parallel node %s branch %s starts at unknown node: %s", node.ID, b.ID, b.Start).WithNode(node.ID)
		}
		reach[i] = g.bfsDepths(b.Start)
	}

	// Candidates: in-degree > 1, reachable from every branch. Pick the
	// shallowest (ties broken by ID for determinism).
	type candidate struct {
		id    string
		depth int
	}
	var candidates []candidate
	for id := range reach[0] {
		if g.inDegree[id] <= 1 {
			continue
		}
		maxDepth, inAll := reach[0][id], true
		for i := 1; i < len(reach); i++ {
			d, ok := reach[i][id]
			if !ok {
				inAll = false
				break
			}
			if d > maxDepth {
				maxDepth = d
			}
		}
		if inAll {
			candidates = append(candidates, candidate{id, maxDepth})
		}
	}
	if len(candidates) == 0 {
		return "", schema.NewErrorf(schema.ErrKindValidation,
			"parallel node %s branches never converge on a join node", node.ID).WithNode(node.ID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].depth != candidates[j].depth {
			return candidates[i].depth < candidates[j].depth
		}
		return candidates[i].id < candidates[j].id
	})
	join := candidates[0].id

	// Disjointness of branch prefixes (excluding the join itself).
	owner := make(map[string]int)
	for i, b := range cfg.Branches {
		for _, id := range g.reachableUntil(b.Start, join) {
			if prev, taken := owner[id]; taken && prev != i {
				return "", schema.NewErrorf(schema.ErrKindValidation,
					"parallel node %s branches %s and %s share node %s before the join",
					node.ID, cfg.Branches[prev].ID, b.ID, id).WithNode(node.ID)
			}
			owner[id] = i
		}
	}

	return join, nil
}

// bfsDepths returns the BFS depth of every node reachable from start.
func (g *Graph) bfsDepths(start string) map[string]int {
	depths := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[cur] {
			if _, ok := depths[e.Target]; !ok {
				depths[e.Target] = depths[cur] + 1
				queue = append(queue, e.Target)
			}
		}
	}
	return depths
}

// reachableUntil lists nodes reachable from start without passing through stop.
func (g *Graph) reachableUntil(start, stop string) []string {
	if start == stop {
		return nil
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		for _, e := range g.outgoing[cur] {
			if e.Target == stop || seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			queue = append(queue, e.Target)
		}
	}
	return out
}

// validateNodeConfig checks the required config fields per node type.
func validateNodeConfig(node *schema.Node) error {
	fail := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrKindValidation, format, args...).WithNode(node.ID)
	}

	switch node.Type {
	case schema.NodeTypeTrigger:
		var cfg schema.TriggerConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("trigger node %s has invalid config: %v", node.ID, err)
		}
		switch cfg.TriggerType {
		case "webhook", "schedule", "manual", "event":
		default:
			return fail("trigger node %s has unknown trigger type: %q", node.ID, cfg.TriggerType)
		}
		if cfg.TriggerType == "schedule" && cfg.CronExpression == "" {
			return fail("trigger node %s: schedule trigger requires cronExpression", node.ID)
		}

	case schema.NodeTypeAgent:
		var cfg schema.AgentConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("agent node %s has invalid config: %v", node.ID, err)
		}
		if cfg.AgentID == "" {
			return fail("agent node %s has no agentId", node.ID)
		}
		if cfg.OutputKey == "" {
			return fail("agent node %s has no outputKey", node.ID)
		}
		if cfg.Supervisor != nil && len(cfg.Supervisor.Workers) == 0 {
			return fail("agent node %s declares a supervisor with no workers", node.ID)
		}

	case schema.NodeTypeTool:
		var cfg schema.ToolConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("tool node %s has invalid config: %v", node.ID, err)
		}
		if cfg.Provider == "" || cfg.Action == "" {
			return fail("tool node %s requires provider and action", node.ID)
		}
		if cfg.OutputKey == "" {
			return fail("tool node %s has no outputKey", node.ID)
		}

	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("condition node %s has invalid config: %v", node.ID, err)
		}
		if len(cfg.Branches) == 0 {
			return fail("condition node %s declares no branches", node.ID)
		}
		if cfg.ConditionType == "llm" {
			if cfg.LLMPrompt == "" {
				return fail("condition node %s: llm condition requires llmPrompt", node.ID)
			}
			if cfg.LLMModel == "" {
				return fail("condition node %s: llm condition requires llmModel", node.ID)
			}
		}

	case schema.NodeTypeTransform:
		var cfg schema.TransformConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("transform node %s has invalid config: %v", node.ID, err)
		}
		switch cfg.TransformType {
		case "query", "template", "expression":
		default:
			return fail("transform node %s has unknown transform type: %q", node.ID, cfg.TransformType)
		}
		if cfg.Expression == "" {
			return fail("transform node %s has no expression", node.ID)
		}
		if cfg.OutputKey == "" {
			return fail("transform node %s has no outputKey", node.ID)
		}

	case schema.NodeTypeLoop:
		var cfg schema.LoopConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("loop node %s has invalid config: %v", node.ID, err)
		}
		if cfg.Source == "" {
			return fail("loop node %s has no source", node.ID)
		}
		if len(cfg.Body) == 0 {
			return fail("loop node %s has an empty body", node.ID)
		}
		if cfg.OutputKey == "" {
			return fail("loop node %s has no outputKey", node.ID)
		}

	case schema.NodeTypeParallel:
		var cfg schema.ParallelConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("parallel node %s has invalid config: %v", node.ID, err)
		}
		if len(cfg.Branches) < 2 {
			return fail("parallel node %s requires at least two branches", node.ID)
		}

	case schema.NodeTypeHumanInput:
		var cfg schema.HumanInputConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return fail("humanInput node %s has invalid config: %v", node.ID, err)
		}
		if cfg.Prompt == "" {
			return fail("humanInput node %s has no prompt", node.ID)
		}

	case schema.NodeTypeOutput:
		if len(node.Config) > 0 {
			var cfg schema.OutputConfig
			if err := json.Unmarshal(node.Config, &cfg); err != nil {
				return fail("output node %s has invalid config: %v", node.ID, err)
			}
		}
	}

	return nil
}

func edgeLabel(e schema.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}
