package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/pkg/schema"
)

func newExecution(id string) *Execution {
	return &Execution{
		ID:              id,
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		TenantID:        "tenant-1",
		Status:          schema.ExecutionStatusRunning,
		Cursor:          "start",
		Variables:       map[string]any{"criteria": "X"},
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exec := newExecution("exec-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	// Duplicate create is a conflict.
	err := s.CreateExecution(ctx, exec)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindConflict, flowErr.Kind)

	loaded, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "X", loaded.Variables["criteria"])

	// Mutating the loaded copy must not leak into the store.
	loaded.Variables["criteria"] = "tampered"
	again, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "X", again.Variables["criteria"])
}

func TestMemoryStoreSaveGatedOnStepSeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	exec := newExecution("exec-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	exec.StepSeq = 1
	exec.Cursor = "score"
	require.NoError(t, s.SaveExecution(ctx, exec))

	// Replaying the same step sequence is rejected.
	stale := newExecution("exec-1")
	stale.StepSeq = 1
	err := s.SaveExecution(ctx, stale)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindConflict, flowErr.Kind)

	// The committed state survives.
	loaded, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "score", loaded.Cursor)
	assert.Equal(t, int64(1), loaded.StepSeq)

	exec.StepSeq = 2
	require.NoError(t, s.SaveExecution(ctx, exec))
}

func TestMemoryStoreSuspensionExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateSuspension(ctx, &Suspension{
		ResumeToken: "tok-1",
		ExecutionID: "exec-1",
		NodeID:      "approve",
		Prompt:      "Approve?",
		Deadline:    time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.ResolveSuspension(ctx, "tok-1", map[string]any{"approved": true}))

	susp, err := s.GetSuspension(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, SuspensionResumed, susp.Status)
	assert.Equal(t, true, susp.Decision["approved"])
	require.NotNil(t, susp.ResolvedAt)

	// Second resolve fails with AlreadyResumed.
	err = s.ResolveSuspension(ctx, "tok-1", map[string]any{"approved": false})
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindAlreadyResumed, flowErr.Kind)
}

func TestMemoryStoreExpireSuspension(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateSuspension(ctx, &Suspension{
		ResumeToken: "tok-1", ExecutionID: "exec-1", NodeID: "approve",
		Prompt: "Approve?", Deadline: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, s.ExpireSuspension(ctx, "tok-1"))

	susp, err := s.GetSuspension(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, SuspensionExpired, susp.Status)

	// Expired tokens cannot be resumed.
	err = s.ResolveSuspension(ctx, "tok-1", nil)
	require.Error(t, err)
}

func TestMemoryStoreEventLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, typ := range []string{
		schema.EventExecutionStarted, schema.EventNodeStarted, schema.EventNodeCompleted,
	} {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-1", Type: typ}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-2", Type: schema.EventExecutionStarted}))

	events, err := s.ListEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)

	// Incremental read from a known offset.
	tail, err := s.ListEvents(ctx, "exec-1", events[1].ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventNodeCompleted, tail[0].Type)
}

func TestMemoryStoreListExecutionsFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := newExecution("exec-a")
	b := newExecution("exec-b")
	b.Status = schema.ExecutionStatusSuspended
	c := newExecution("exec-c")
	c.WorkflowID = "wf-2"
	for _, e := range []*Execution{a, b, c} {
		require.NoError(t, s.CreateExecution(ctx, e))
	}

	suspended, err := s.ListExecutions(ctx, ExecutionFilter{Status: schema.ExecutionStatusSuspended})
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, "exec-b", suspended[0].ID)

	byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)
}

func TestMemoryStoreWorkflowRevisions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	def := &schema.WorkflowDefinition{ID: "wf-1", Version: 1, Nodes: []schema.Node{{ID: "start", Type: schema.NodeTypeTrigger}}}
	require.NoError(t, s.SaveWorkflow(ctx, &Workflow{ID: "wf-1", Version: 1, Definition: def}))

	wf, err := s.GetWorkflow(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "start", wf.Definition.Nodes[0].ID)

	_, err = s.GetWorkflow(ctx, "wf-1", 2)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindNotFound, flowErr.Kind)
}
