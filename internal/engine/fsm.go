package engine

import (
	"github.com/axiomiq/flowrun/pkg/schema"
)

// validTransitions is the execution lifecycle state machine. Terminal
// states (completed, failed, cancelled) have no outgoing transitions.
var validTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusSuspended,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusSuspended: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
}

func canTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkTransition validates one lifecycle move.
func checkTransition(executionID string, from, to schema.ExecutionStatus) error {
	if !canTransition(from, to) {
		return schema.NewErrorf(schema.ErrKindInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// nodeTransitions is the per-step node lifecycle. A node enters a step
// pending, runs, and ends in exactly one of completed, failed,
// suspended or skipped.
var nodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {
		schema.NodeStatusRunning,
		schema.NodeStatusSkipped,
	},
	schema.NodeStatusRunning: {
		schema.NodeStatusRetrying,
		schema.NodeStatusSuspended,
		schema.NodeStatusCompleted,
		schema.NodeStatusFailed,
	},
	schema.NodeStatusRetrying: {
		schema.NodeStatusRunning,
		schema.NodeStatusFailed,
	},
	schema.NodeStatusSuspended: {
		schema.NodeStatusRunning,
		schema.NodeStatusFailed,
	},
}

func canNodeTransition(from, to schema.NodeStatus) bool {
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// nodeLifecycle tracks one step's node status. Invalid moves are
// refused, so event payloads always carry a status the node FSM allows.
type nodeLifecycle struct {
	status schema.NodeStatus
}

func newNodeLifecycle() *nodeLifecycle {
	return &nodeLifecycle{status: schema.NodeStatusPending}
}

func (l *nodeLifecycle) to(next schema.NodeStatus) schema.NodeStatus {
	if canNodeTransition(l.status, next) {
		l.status = next
	}
	return l.status
}

// executionEventType maps a lifecycle status to its event log entry.
// Start and resume events are emitted explicitly by the interpreter
// since both land on the running status.
func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusSuspended:
		return schema.EventExecutionSuspended
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}
