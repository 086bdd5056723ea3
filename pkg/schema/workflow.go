package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow graph format.
// Definitions are immutable once published; a new revision gets a new version number.
type WorkflowDefinition struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Version   int        `json:"version"`
	Nodes     []Node     `json:"nodes"`
	Edges     []Edge     `json:"edges"`
	Variables []Variable `json:"variables,omitempty"`
}

// Node is a typed unit of work in a workflow graph.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"` // type-specific config
}

// Edge is a directed connection between two nodes. SourceHandle labels the
// outgoing branch on multi-branch nodes (condition, parallel).
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Variable declares a named workflow variable with an optional default.
type Variable struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string | number | boolean | object | array
	Default     any    `json:"defaultValue,omitempty"`
	Description string `json:"description,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeTrigger    NodeType = "trigger"
	NodeTypeAgent      NodeType = "agent"
	NodeTypeTool       NodeType = "tool"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeTransform  NodeType = "transform"
	NodeTypeLoop       NodeType = "loop"
	NodeTypeParallel   NodeType = "parallel"
	NodeTypeHumanInput NodeType = "humanInput"
	NodeTypeOutput     NodeType = "output"
)

// TriggerConfig is the config block for trigger nodes.
type TriggerConfig struct {
	TriggerType    string `json:"triggerType"` // webhook | schedule | manual | event
	WebhookPath    string `json:"webhookPath,omitempty"`
	WebhookMethod  string `json:"webhookMethod,omitempty"`
	CronExpression string `json:"cronExpression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	EventSource    string `json:"eventSource,omitempty"`
	EventType      string `json:"eventType,omitempty"`
}

// AgentConfig is the config block for agent nodes.
type AgentConfig struct {
	AgentID       string            `json:"agentId"`
	ModelOverride string            `json:"modelOverride,omitempty"`
	InputMapping  map[string]string `json:"inputMapping,omitempty"`
	OutputKey     string            `json:"outputKey"`
	MaxRetries    int               `json:"maxRetries,omitempty"`
	TimeoutMs     int               `json:"timeoutMs,omitempty"`
	Supervisor    *SupervisorConfig `json:"supervisor,omitempty"`
}

// SupervisorConfig marks an agent node as a supervisor over a worker roster.
type SupervisorConfig struct {
	Workers   []string `json:"workers"`
	MaxCycles int      `json:"maxCycles,omitempty"`
}

// ToolConfig is the config block for tool nodes.
type ToolConfig struct {
	Provider     string            `json:"provider"`
	Action       string            `json:"action"`
	Method       string            `json:"method,omitempty"`
	InputMapping map[string]string `json:"inputMapping,omitempty"`
	OutputKey    string            `json:"outputKey"`
	MaxRetries   int               `json:"maxRetries,omitempty"`
	TimeoutMs    int               `json:"timeoutMs,omitempty"`
}

// ConditionConfig is the config block for condition nodes.
type ConditionConfig struct {
	ConditionType string   `json:"conditionType"` // expression | llm
	Branches      []Branch `json:"branches"`
	LLMPrompt     string   `json:"llmPrompt,omitempty"`
	LLMModel      string   `json:"llmModel,omitempty"`
	DefaultBranch string   `json:"defaultBranch,omitempty"` // handle label used when no branch matches
}

// Branch is one outgoing branch of a condition node. Label doubles as the
// edge source-handle the branch routes through.
type Branch struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Condition string `json:"condition,omitempty"` // expression branches only
}

// TransformConfig is the config block for transform nodes.
type TransformConfig struct {
	TransformType string `json:"transformType"` // query | template | expression
	Expression    string `json:"expression"`
	InputKey      string `json:"inputKey,omitempty"`
	OutputKey     string `json:"outputKey"`
}

// LoopConfig is the config block for loop nodes. Body names the node IDs that
// run, in order, once per element of the source sequence.
type LoopConfig struct {
	Source        string   `json:"source"`  // template or dotted path producing the sequence
	ItemKey       string   `json:"itemKey"` // variable name bound to the current element
	OutputKey     string   `json:"outputKey"`
	Body          []string `json:"body"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// ParallelConfig is the config block for parallel nodes.
type ParallelConfig struct {
	Branches []ParallelBranch `json:"branches"`
}

// ParallelBranch declares one concurrent branch: its label and entry node.
type ParallelBranch struct {
	ID    string `json:"id"`
	Start string `json:"start"`
}

// HumanInputConfig is the config block for humanInput nodes.
type HumanInputConfig struct {
	Prompt       string `json:"prompt"`
	Assignee     string `json:"assignee,omitempty"`
	TimeoutHours int    `json:"timeoutHours,omitempty"`
	OutputKey    string `json:"outputKey,omitempty"`
}

// OutputConfig is the config block for output nodes. OutputMapping resolves
// templates into the execution's final output object.
type OutputConfig struct {
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
}

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// NodeStatus is the lifecycle status of a single node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusRetrying  NodeStatus = "retrying"
	NodeStatusSuspended NodeStatus = "suspended"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// TriggerEvent is what a trigger source produces to start an execution.
type TriggerEvent struct {
	WorkflowID string         `json:"workflow_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Source     string         `json:"source"` // webhook | schedule | manual | event
	Payload    map[string]any `json:"payload,omitempty"`
}
