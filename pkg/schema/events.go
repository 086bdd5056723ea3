package schema

// Event types appended to the execution event log.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionSuspended = "execution.suspended"
	EventExecutionResumed   = "execution.resumed"
	EventExecutionCancelled = "execution.cancelled"

	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeRetried   = "node.retried"
	EventNodeSuspended = "node.suspended"
	EventNodeSkipped   = "node.skipped"

	EventBranchCompleted     = "branch.completed"
	EventDelegationRequested = "delegation.requested"
	EventDelegationCompleted = "delegation.completed"
	EventConditionEvaluated  = "condition.evaluated"
)
