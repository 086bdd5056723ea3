package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		ExecutionID: "exec-1",
		NodeID:      "score",
		Type:        "node.completed",
		Payload:     map[string]any{"result": "ok"},
	}))

	got := recv(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "score", got.NodeID)
	assert.Equal(t, "node.completed", got.Type)
	assert.Equal(t, uint64(1), got.Seq)
}

func TestExecutionScopedSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", Type: "node.started"}))

	got := recv(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)

	// The exec-2 event went to a bucket nobody watches.
	assertEmpty(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Types: []string{"node.completed", "execution.failed"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "execution.failed"}))

	var received []string
	for i := 0; i < 2; i++ {
		received = append(received, recv(t, ch).Type)
	}
	assert.Equal(t, []string{"node.completed", "execution.failed"}, received)
	assertEmpty(t, ch)
}

func TestSequenceGapRevealsDroppedEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	// The type filter hides node.started from this subscriber, but the
	// hub-wide sequence still advances for it.
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Types: []string{"node.completed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.completed"}))

	first := recv(t, ch)
	second := recv(t, ch)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(3), second.Seq)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.completed"}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		got := recv(t, ch)
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "node.completed", got.Type)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.completed"}))
	assertEmpty(t, ch)

	// The last subscriber leaving drops the execution's bucket.
	hub.mu.RLock()
	assert.Empty(t, hub.byExec)
	hub.mu.RUnlock()

	fh, cancelFh, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancelFh()
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "node.completed"}))
	assertEmpty(t, fh)
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; none of these may block.
	const overflow = 10
	for i := 0; i < subscriberBuffer+overflow; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "tick"}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, subscriberBuffer, drained)
			hub.mu.RLock()
			sub := hub.byExec["exec-1"][0]
			hub.mu.RUnlock()
			assert.Equal(t, uint64(overflow), sub.dropped.Load())
			return
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-concurrent"})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "exec-concurrent", Type: "tick"})
			}
		}()
	}

	// Subscribers churning while publishers run.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Type: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
