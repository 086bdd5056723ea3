package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 64

// subscription is one subscriber's delivery channel plus its type
// filter. A slow subscriber loses events rather than stalling the
// execution loop; dropped counts what it missed.
type subscription struct {
	id      uint64
	types   []string
	ch      chan StreamEvent
	dropped atomic.Uint64
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func (s *subscription) deliver(event StreamEvent) {
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// MemoryHub fans execution events out to in-process subscribers.
// Subscriptions scoped to a single execution are indexed by its ID, so
// publishing only touches subscribers that could match; unscoped
// subscriptions observe every execution through the firehose bucket.
// Events carry a hub-wide sequence number, so a subscriber that was
// throttled sees the loss as a gap.
type MemoryHub struct {
	mu       sync.RWMutex
	byExec   map[string][]*subscription
	firehose []*subscription
	nextID   atomic.Uint64
	seq      atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byExec: make(map[string][]*subscription)}
}

// Publish stamps the event with the next sequence number and hands it
// to every matching subscriber. Never blocks: full subscriber channels
// drop the event.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.Seq = h.seq.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.byExec[event.ExecutionID] {
		if sub.wants(event.Type) {
			sub.deliver(event)
		}
	}
	for _, sub := range h.firehose {
		if sub.wants(event.Type) {
			sub.deliver(event)
		}
	}
	return nil
}

// Subscribe registers a subscriber for events passing the filter and
// returns its channel plus a cancel function that detaches it.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		id:    h.nextID.Add(1),
		types: filter.Types,
		ch:    make(chan StreamEvent, subscriberBuffer),
	}

	h.mu.Lock()
	if filter.ExecutionID != "" {
		h.byExec[filter.ExecutionID] = append(h.byExec[filter.ExecutionID], sub)
	} else {
		h.firehose = append(h.firehose, sub)
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if filter.ExecutionID != "" {
			remaining := detach(h.byExec[filter.ExecutionID], sub.id)
			if len(remaining) == 0 {
				delete(h.byExec, filter.ExecutionID)
			} else {
				h.byExec[filter.ExecutionID] = remaining
			}
			return
		}
		h.firehose = detach(h.firehose, sub.id)
	}

	return sub.ch, cancel, nil
}

func detach(subs []*subscription, id uint64) []*subscription {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
