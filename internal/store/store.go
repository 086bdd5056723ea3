// Package store persists executions, suspensions and the event log.
// Two implementations: libSQL for durability, in-memory for tests and
// embedders that do not need restart recovery.
package store

import "context"

// Store defines the persistence contract the interpreter depends on.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error)

	// Executions. SaveExecution commits atomically and only when
	// exec.StepSeq is greater than the stored sequence; a stale save
	// fails with a conflict so replayed steps dedupe.
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	SaveExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Suspensions. ResolveSuspension transitions pending→resumed
	// exactly once; a second call fails with AlreadyResumed.
	CreateSuspension(ctx context.Context, susp *Suspension) error
	GetSuspension(ctx context.Context, resumeToken string) (*Suspension, error)
	ResolveSuspension(ctx context.Context, resumeToken string, decision map[string]any) error
	ExpireSuspension(ctx context.Context, resumeToken string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
