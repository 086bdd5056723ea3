// Package delegation implements the supervisor loop: a supervising
// agent that hands sub-tasks to a fixed roster of worker agents through
// a structured delegate tool, completing when it stops delegating.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/axiomiq/flowrun/internal/model"
	"github.com/axiomiq/flowrun/pkg/schema"
)

const (
	delegateToolName = "delegate"

	// DefaultMaxCycles bounds supervising→delegating cycles when the
	// node config does not set its own limit.
	DefaultMaxCycles = 10
)

// delegateArgs is the payload of one delegate tool call.
type delegateArgs struct {
	Worker  string         `json:"worker"`
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
}

// Outcome is the result of a completed supervision run.
type Outcome struct {
	Text    string
	History []schema.Message
	Cycles  int
}

// Supervisor drives one supervising agent over its worker roster.
type Supervisor struct {
	models     *model.Registry
	supervisor model.AgentDef
	roster     []model.AgentDef
	maxCycles  int
	logger     *slog.Logger
	observer   func(event string, payload map[string]any)
}

// Observe registers a callback for delegation lifecycle events. Each
// accepted delegation raises delegation.requested before the worker runs
// and delegation.completed after it returns.
func (s *Supervisor) Observe(fn func(event string, payload map[string]any)) {
	s.observer = fn
}

func (s *Supervisor) notify(event string, payload map[string]any) {
	if s.observer != nil {
		s.observer(event, payload)
	}
}

// New builds a supervisor. workerIDs must already be registered agents.
func New(models *model.Registry, supervisor model.AgentDef, workerIDs []string, maxCycles int, logger *slog.Logger) (*Supervisor, error) {
	if len(workerIDs) == 0 {
		return nil, schema.NewError(schema.ErrKindValidation, "supervisor requires at least one worker")
	}
	roster := make([]model.AgentDef, 0, len(workerIDs))
	for _, id := range workerIDs {
		def, err := models.Agent(id)
		if err != nil {
			return nil, err
		}
		roster = append(roster, def)
	}
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		models:     models,
		supervisor: supervisor,
		roster:     roster,
		maxCycles:  maxCycles,
		logger:     logger,
	}, nil
}

// Run executes the supervision state machine: invoke the supervisor
// model; a delegate tool call dispatches a worker and loops back; a
// plain response completes the run. Exceeding the cycle limit fails
// with a delegation-limit error.
func (s *Supervisor) Run(ctx context.Context, task string, history []schema.Message) (*Outcome, error) {
	inv, err := s.models.Invoker(s.supervisor.Model)
	if err != nil {
		return nil, err
	}

	history = append(history, schema.UserMessage(task))
	cycles := 0

	for {
		completion, err := inv.Invoke(ctx, &model.Invocation{
			Model:        s.supervisor.Model,
			SystemPrompt: s.systemPrompt(),
			History:      history,
			Tools:        []model.ToolSchema{s.delegateTool()},
		})
		if err != nil {
			return nil, err
		}

		call, ok := firstDelegateCall(completion)
		if !ok {
			// No delegation request: the supervisor is done.
			history = append(history, schema.AssistantMessage(s.supervisor.Name, completion.Text))
			return &Outcome{Text: completion.Text, History: history, Cycles: cycles}, nil
		}

		cycles++
		if cycles > s.maxCycles {
			return nil, schema.NewErrorf(schema.ErrKindDelegationLimit,
				"supervisor %s exceeded %d delegation cycles", s.supervisor.ID, s.maxCycles).
				WithDetails(map[string]any{"maxCycles": s.maxCycles})
		}

		assistant := schema.Message{
			Role:      schema.RoleAssistant,
			Name:      s.supervisor.Name,
			Content:   completion.Text,
			ToolCalls: []schema.ToolCall{call},
		}
		history = append(history, assistant)

		var args delegateArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			history = append(history, schema.ToolMessage(call.ID,
				fmt.Sprintf("delegate call rejected: invalid arguments: %v", err)))
			continue
		}

		worker, ok := s.worker(args.Worker)
		if !ok {
			// An out-of-roster worker is reported back, not a failure.
			history = append(history, schema.ToolMessage(call.ID,
				fmt.Sprintf("delegate call rejected: unknown worker %q; available workers: %s",
					args.Worker, strings.Join(s.workerIDs(), ", "))))
			continue
		}

		s.logger.DebugContext(ctx, "delegating to worker",
			"supervisor", s.supervisor.ID, "worker", worker.ID, "cycle", cycles)
		s.notify(schema.EventDelegationRequested, map[string]any{
			"worker": worker.ID, "task": args.Task, "cycle": cycles,
		})

		result, err := s.dispatch(ctx, worker, args)
		if err != nil {
			return nil, err
		}
		s.notify(schema.EventDelegationCompleted, map[string]any{
			"worker": worker.ID, "cycle": cycles,
		})
		history = append(history, schema.ToolMessage(call.ID, result))
	}
}

// dispatch runs one worker invocation with the delegated task.
func (s *Supervisor) dispatch(ctx context.Context, worker model.AgentDef, args delegateArgs) (string, error) {
	inv, err := s.models.Invoker(worker.Model)
	if err != nil {
		return "", err
	}

	task := args.Task
	if len(args.Context) > 0 {
		ctxBlob, marshalErr := json.Marshal(args.Context)
		if marshalErr == nil {
			task = task + "\n\nContext:\n" + string(ctxBlob)
		}
	}

	completion, err := inv.Invoke(ctx, &model.Invocation{
		Model:        worker.Model,
		SystemPrompt: worker.SystemPrompt,
		History:      []schema.Message{schema.UserMessage(task)},
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

func (s *Supervisor) systemPrompt() string {
	var b strings.Builder
	if s.supervisor.SystemPrompt != "" {
		b.WriteString(s.supervisor.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("You coordinate a team of worker agents. To hand a sub-task to a worker, call the delegate tool. When no further delegation is needed, reply with the final result as plain text.\n\nAvailable workers:\n")
	for _, w := range s.roster {
		b.WriteString("- ")
		b.WriteString(w.ID)
		if w.Description != "" {
			b.WriteString(": ")
			b.WriteString(w.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Supervisor) delegateTool() model.ToolSchema {
	return model.ToolSchema{
		Name:        delegateToolName,
		Description: "Delegate a sub-task to a worker agent and receive its result.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"worker": map[string]any{
					"type": "string",
					"enum": s.workerIDs(),
				},
				"task": map[string]any{
					"type":        "string",
					"description": "The sub-task for the worker, in plain text.",
				},
				"context": map[string]any{
					"type":        "object",
					"description": "Optional structured context passed through to the worker.",
				},
			},
			"required": []any{"worker", "task"},
		},
	}
}

func (s *Supervisor) worker(id string) (model.AgentDef, bool) {
	for _, w := range s.roster {
		if w.ID == id {
			return w, true
		}
	}
	return model.AgentDef{}, false
}

func (s *Supervisor) workerIDs() []string {
	ids := make([]string, len(s.roster))
	for i, w := range s.roster {
		ids[i] = w.ID
	}
	return ids
}

func firstDelegateCall(c *model.Completion) (schema.ToolCall, bool) {
	for _, tc := range c.ToolCalls {
		if tc.Name == delegateToolName {
			return tc, true
		}
	}
	return schema.ToolCall{}, false
}
