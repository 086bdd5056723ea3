package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// MemoryStore is an in-process Store for tests and embedders. It
// enforces the same StepSeq and exactly-once-resume semantics as the
// durable implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow // keyed by id:version
	executions  map[string]*Execution
	suspensions map[string]*Suspension
	events      []*Event
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		executions:  make(map[string]*Execution),
		suspensions: make(map[string]*Suspension),
	}
}

func workflowKey(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.workflows[workflowKey(wf.ID, wf.Version)] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string, version int) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowKey(id, version)]
	if !ok {
		return nil, notFound("workflow", workflowKey(id, version))
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrKindConflict, "execution %s already exists", exec.ID)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	return cloneExecution(exec), nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		return notFound("execution", exec.ID)
	}
	if exec.StepSeq <= stored.StepSeq {
		return schema.NewErrorf(schema.ErrKindConflict,
			"stale save for execution %s: step %d already committed", exec.ID, stored.StepSeq).
			WithDetails(map[string]any{"stored": stored.StepSeq, "attempted": exec.StepSeq})
	}
	cp := cloneExecution(exec)
	cp.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = cp
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.TenantID != "" && exec.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateSuspension(_ context.Context, susp *Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.suspensions[susp.ResumeToken]; exists {
		return schema.NewErrorf(schema.ErrKindConflict, "resume token %s already exists", susp.ResumeToken)
	}
	cp := *susp
	if cp.Status == "" {
		cp.Status = SuspensionPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.suspensions[susp.ResumeToken] = &cp
	return nil
}

func (s *MemoryStore) GetSuspension(_ context.Context, resumeToken string) (*Suspension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	susp, ok := s.suspensions[resumeToken]
	if !ok {
		return nil, notFound("suspension", resumeToken)
	}
	cp := *susp
	cp.Decision = cloneMap(susp.Decision)
	return &cp, nil
}

func (s *MemoryStore) ResolveSuspension(_ context.Context, resumeToken string, decision map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	susp, ok := s.suspensions[resumeToken]
	if !ok {
		return notFound("suspension", resumeToken)
	}
	if susp.Status != SuspensionPending {
		return schema.NewErrorf(schema.ErrKindAlreadyResumed,
			"resume token %s was already %s", resumeToken, susp.Status)
	}
	now := time.Now().UTC()
	susp.Status = SuspensionResumed
	susp.Decision = cloneMap(decision)
	susp.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) ExpireSuspension(_ context.Context, resumeToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	susp, ok := s.suspensions[resumeToken]
	if !ok {
		return notFound("suspension", resumeToken)
	}
	if susp.Status != SuspensionPending {
		return schema.NewErrorf(schema.ErrKindAlreadyResumed,
			"resume token %s was already %s", resumeToken, susp.Status)
	}
	now := time.Now().UTC()
	susp.Status = SuspensionExpired
	susp.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	cp := *event
	cp.ID = s.nextEventID
	cp.Payload = cloneMap(event.Payload)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.ExecutionID != executionID || e.ID <= since {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func notFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrKindNotFound, "%s %s not found", resource, id)
}

func cloneExecution(exec *Execution) *Execution {
	cp := *exec
	cp.Variables = cloneMap(exec.Variables)
	cp.Output = cloneMap(exec.Output)
	cp.History = append([]schema.Message(nil), exec.History...)
	cp.Errors = append([]ErrorRecord(nil), exec.Errors...)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
