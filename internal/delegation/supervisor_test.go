package delegation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/internal/model"
	"github.com/axiomiq/flowrun/pkg/schema"
)

// scriptedInvoker replays a fixed sequence of completions and records
// every invocation it receives.
type scriptedInvoker struct {
	script []*model.Completion
	calls  []*model.Invocation
}

func (s *scriptedInvoker) Invoke(_ context.Context, inv *model.Invocation) (*model.Completion, error) {
	s.calls = append(s.calls, inv)
	if len(s.script) == 0 {
		return &model.Completion{Text: "done"}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next, nil
}

func delegateCall(worker, task string) schema.ToolCall {
	return schema.ToolCall{
		ID:        "call-" + worker,
		Name:      "delegate",
		Arguments: `{"worker":"` + worker + `","task":"` + task + `"}`,
	}
}

func testRegistry(t *testing.T, inv model.Invoker) *model.Registry {
	t.Helper()
	reg := model.NewRegistry()
	reg.RegisterInvoker("gpt-4o", inv)
	require.NoError(t, reg.RegisterAgent(model.AgentDef{
		ID: "researcher", Name: "Researcher", Description: "Finds facts.", Model: "gpt-4o",
	}))
	require.NoError(t, reg.RegisterAgent(model.AgentDef{
		ID: "writer", Name: "Writer", Description: "Writes copy.", Model: "gpt-4o",
	}))
	return reg
}

func supervisorDef() model.AgentDef {
	return model.AgentDef{ID: "lead", Name: "Lead", SystemPrompt: "Coordinate the team.", Model: "gpt-4o"}
}

func TestSupervisorCompletesWithoutDelegation(t *testing.T) {
	inv := &scriptedInvoker{script: []*model.Completion{
		{Text: "nothing to delegate, here is the answer"},
	}}
	sup, err := New(testRegistry(t, inv), supervisorDef(), []string{"researcher"}, 0, nil)
	require.NoError(t, err)

	out, err := sup.Run(context.Background(), "summarize the quarter", nil)
	require.NoError(t, err)
	assert.Equal(t, "nothing to delegate, here is the answer", out.Text)
	assert.Equal(t, 0, out.Cycles)
	// task + final assistant message
	require.Len(t, out.History, 2)
	assert.Equal(t, schema.RoleUser, out.History[0].Role)
	assert.Equal(t, schema.RoleAssistant, out.History[1].Role)
}

func TestSupervisorDelegatesThenCompletes(t *testing.T) {
	inv := &scriptedInvoker{script: []*model.Completion{
		{ToolCalls: []schema.ToolCall{delegateCall("researcher", "find Q3 numbers")}},
		{Text: "Q3 numbers found"}, // worker reply
		{Text: "final report"},     // supervisor completes
	}}
	sup, err := New(testRegistry(t, inv), supervisorDef(), []string{"researcher", "writer"}, 5, nil)
	require.NoError(t, err)

	out, err := sup.Run(context.Background(), "write the report", nil)
	require.NoError(t, err)
	assert.Equal(t, "final report", out.Text)
	assert.Equal(t, 1, out.Cycles)

	// The worker saw the delegated task with its own system prompt.
	require.Len(t, inv.calls, 3)
	workerInv := inv.calls[1]
	require.Len(t, workerInv.History, 1)
	assert.Contains(t, workerInv.History[0].Content, "find Q3 numbers")

	// Shared history carries the tool round-trip.
	var toolMsgs int
	for _, m := range out.History {
		if m.Role == schema.RoleTool {
			toolMsgs++
			assert.Equal(t, "Q3 numbers found", m.Content)
		}
	}
	assert.Equal(t, 1, toolMsgs)
}

func TestSupervisorReportsDelegationEvents(t *testing.T) {
	inv := &scriptedInvoker{script: []*model.Completion{
		{ToolCalls: []schema.ToolCall{delegateCall("researcher", "find Q3 numbers")}},
		{Text: "Q3 numbers found"},
		{ToolCalls: []schema.ToolCall{delegateCall("intern", "do everything")}},
		{Text: "final report"},
	}}
	sup, err := New(testRegistry(t, inv), supervisorDef(), []string{"researcher"}, 5, nil)
	require.NoError(t, err)

	type observed struct {
		event   string
		payload map[string]any
	}
	var seen []observed
	sup.Observe(func(event string, payload map[string]any) {
		seen = append(seen, observed{event: event, payload: payload})
	})

	_, err = sup.Run(context.Background(), "write the report", nil)
	require.NoError(t, err)

	// The accepted delegation raises a requested/completed pair; the
	// rejected one (unknown worker) raises nothing.
	require.Len(t, seen, 2)
	assert.Equal(t, schema.EventDelegationRequested, seen[0].event)
	assert.Equal(t, "researcher", seen[0].payload["worker"])
	assert.Equal(t, "find Q3 numbers", seen[0].payload["task"])
	assert.Equal(t, schema.EventDelegationCompleted, seen[1].event)
	assert.Equal(t, "researcher", seen[1].payload["worker"])
	assert.Equal(t, 1, seen[1].payload["cycle"])
}

func TestSupervisorRejectsUnknownWorker(t *testing.T) {
	inv := &scriptedInvoker{script: []*model.Completion{
		{ToolCalls: []schema.ToolCall{delegateCall("intern", "do everything")}},
		{Text: "fine, doing it myself"},
	}}
	sup, err := New(testRegistry(t, inv), supervisorDef(), []string{"researcher"}, 5, nil)
	require.NoError(t, err)

	out, err := sup.Run(context.Background(), "task", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine, doing it myself", out.Text)

	// The rejection came back as tool output, not a failure.
	var sawRejection bool
	for _, m := range out.History {
		if m.Role == schema.RoleTool {
			assert.Contains(t, m.Content, `unknown worker "intern"`)
			sawRejection = true
		}
	}
	assert.True(t, sawRejection)
}

func TestSupervisorCycleLimit(t *testing.T) {
	// Supervisor delegates forever; worker always answers.
	inv := &scriptedInvoker{}
	loop := []*model.Completion{
		{ToolCalls: []schema.ToolCall{delegateCall("researcher", "again")}},
		{Text: "worker answer"},
	}
	for i := 0; i < 10; i++ {
		inv.script = append(inv.script, loop...)
	}

	sup, err := New(testRegistry(t, inv), supervisorDef(), []string{"researcher"}, 3, nil)
	require.NoError(t, err)

	_, err = sup.Run(context.Background(), "task", nil)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindDelegationLimit, flowErr.Kind)
}

func TestSupervisorRequiresWorkers(t *testing.T) {
	_, err := New(testRegistry(t, &scriptedInvoker{}), supervisorDef(), nil, 0, nil)
	require.Error(t, err)
}

func TestSupervisorUnknownWorkerAtBuild(t *testing.T) {
	_, err := New(testRegistry(t, &scriptedInvoker{}), supervisorDef(), []string{"ghost"}, 0, nil)
	require.Error(t, err)
}
