// Package streaming provides live pub/sub for execution events, next
// to the durable event log in the store. Subscribers observe a running
// execution without polling; the log stays the source of truth.
package streaming

import "context"

// StreamEvent is a real-time event emitted while an execution runs.
// Seq is assigned by the hub at publish time; a gap in the sequence
// tells a subscriber it missed events under backpressure.
type StreamEvent struct {
	Seq         uint64         `json:"seq"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
