package store

import (
	"errors"
	"time"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// Execution is the persisted state of one workflow run. It is the unit
// of the atomic save-after-step contract: SaveExecution only commits a
// state whose StepSeq advances past the stored one, so a crash between
// steps is recoverable by re-running the last uncommitted step.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	TenantID        string                 `json:"tenant_id,omitempty"`
	Status          schema.ExecutionStatus `json:"status"`
	Trigger         *schema.TriggerEvent   `json:"trigger,omitempty"` // firing event, kept for recovery
	Cursor          string                 `json:"cursor"`            // current node id
	StepSeq         int64                  `json:"step_seq"`
	Variables       map[string]any         `json:"variables"`
	History         []schema.Message       `json:"history,omitempty"`
	Errors          []ErrorRecord          `json:"errors,omitempty"` // append-only
	Output          map[string]any         `json:"output,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// ErrorRecord is the serializable form of a step failure.
type ErrorRecord struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// NewErrorRecord flattens any error into its persisted form.
func NewErrorRecord(err error, at time.Time) ErrorRecord {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return ErrorRecord{
			Kind:    flowErr.Kind,
			Message: flowErr.Message,
			NodeID:  flowErr.NodeID,
			Details: flowErr.Details,
			At:      at,
		}
	}
	return ErrorRecord{Kind: schema.ErrKindExecution, Message: err.Error(), At: at}
}

// SuspensionStatus is the lifecycle of a pending human-input gate.
type SuspensionStatus string

const (
	SuspensionPending SuspensionStatus = "pending"
	SuspensionResumed SuspensionStatus = "resumed"
	SuspensionExpired SuspensionStatus = "expired"
)

// Suspension is a persisted human-input gate keyed by its resume token.
type Suspension struct {
	ResumeToken string           `json:"resume_token"`
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id"`
	Prompt      string           `json:"prompt"`
	Assignee    string           `json:"assignee,omitempty"`
	OutputKey   string           `json:"output_key,omitempty"`
	Deadline    time.Time        `json:"deadline"`
	Status      SuspensionStatus `json:"status"`
	Decision    map[string]any   `json:"decision,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// Event is one entry in the append-only execution event log.
type Event struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Workflow is a stored workflow definition revision.
type Workflow struct {
	ID         string                     `json:"id"`
	Version    int                        `json:"version"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	TenantID   string
	Status     schema.ExecutionStatus
	Limit      int
}
