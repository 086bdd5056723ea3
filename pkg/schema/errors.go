package schema

import "fmt"

// Error kinds for structured error reporting.
const (
	ErrKindValidation        = "VALIDATION_ERROR"
	ErrKindUnknownPath       = "UNKNOWN_PATH"
	ErrKindTypeMismatch      = "TYPE_MISMATCH"
	ErrKindModelInvocation   = "MODEL_INVOCATION_FAILURE"
	ErrKindToolInvocation    = "TOOL_INVOCATION_FAILURE"
	ErrKindTimeout           = "TIMEOUT"
	ErrKindNoMatchingBranch  = "NO_MATCHING_BRANCH"
	ErrKindTransform         = "TRANSFORM_ERROR"
	ErrKindDelegationLimit   = "DELEGATION_LIMIT_EXCEEDED"
	ErrKindCancelled         = "CANCELLED"
	ErrKindExpired           = "EXPIRED"
	ErrKindAlreadyResumed    = "ALREADY_RESUMED"
	ErrKindExecution         = "EXECUTION_ERROR"
	ErrKindInvalidTransition = "INVALID_TRANSITION"
	ErrKindNotFound          = "NOT_FOUND"
	ErrKindConflict          = "CONFLICT"
	ErrKindStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(kind, message string) *FlowError {
	return &FlowError{Kind: kind, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(kind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// nonRetryableKinds classifies kinds that must never be retried: definition
// and resolution failures, pure-transform failures, routing misses, and
// resume-endpoint misuse. Timeouts are node-scoped and surfaced to the
// caller rather than retried automatically.
var nonRetryableKinds = map[string]bool{
	ErrKindValidation:        true,
	ErrKindUnknownPath:       true,
	ErrKindTypeMismatch:      true,
	ErrKindNoMatchingBranch:  true,
	ErrKindTransform:         true,
	ErrKindDelegationLimit:   true,
	ErrKindCancelled:         true,
	ErrKindExpired:           true,
	ErrKindAlreadyResumed:    true,
	ErrKindTimeout:           true,
	ErrKindInvalidTransition: true,
	ErrKindNotFound:          true,
	ErrKindConflict:          true,
}

// IsRetryable reports whether the error kind permits a retry attempt.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryableKinds[e.Kind]
}
