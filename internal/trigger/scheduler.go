// Package trigger turns external stimuli into executions: cron
// schedules fire registered workflows on their own clock, and webhook,
// event and manual payloads are normalized into TriggerEvents after
// being checked against the workflow's declared trigger.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/axiomiq/flowrun/pkg/schema"
)

const defaultTickInterval = 60 * time.Second

// Starter is the interface the scheduler uses to launch executions.
// Satisfied by the engine interpreter (avoids import cycle).
type Starter interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, event *schema.TriggerEvent) error
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(ctx context.Context, def *schema.WorkflowDefinition, event *schema.TriggerEvent) error

func (f StarterFunc) Start(ctx context.Context, def *schema.WorkflowDefinition, event *schema.TriggerEvent) error {
	return f(ctx, def, event)
}

// SchedulerConfig tunes the scheduler. Zero values get defaults.
type SchedulerConfig struct {
	// TickInterval is how often due schedules are checked.
	TickInterval time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type scheduleEntry struct {
	def      *schema.WorkflowDefinition
	tenantID string
	schedule cron.Schedule
	next     time.Time
}

// Scheduler fires schedule-triggered workflows when their cron
// expression comes due. Workflows are registered in memory; the caller
// re-registers them from the store on startup.
type Scheduler struct {
	starter  Starter
	parser   cron.Parser
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently firing (dedup)
}

// NewScheduler creates a scheduler that launches executions through the
// given starter.
func NewScheduler(cfg SchedulerConfig, starter Starter, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		clock:    cfg.Clock,
		interval: cfg.TickInterval,
		entries:  make(map[string]*scheduleEntry),
		inflight: make(map[string]struct{}),
	}
}

// Register adds a workflow with a schedule trigger. The first firing is
// the next cron occurrence after registration; re-registering the same
// workflow ID replaces its schedule.
func (s *Scheduler) Register(def *schema.WorkflowDefinition, tenantID string) error {
	cfg, nodeID, err := triggerConfig(def)
	if err != nil {
		return err
	}
	if cfg.TriggerType != "schedule" {
		return schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s trigger node %s is %q, not a schedule", def.ID, nodeID, cfg.TriggerType)
	}

	spec := cfg.CronExpression
	if cfg.Timezone != "" {
		spec = "CRON_TZ=" + cfg.Timezone + " " + spec
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s: invalid cron expression %q: %v", def.ID, cfg.CronExpression, err).
			WithNode(nodeID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[def.ID] = &scheduleEntry{
		def:      def,
		tenantID: tenantID,
		schedule: schedule,
		next:     schedule.Next(s.clock().UTC()),
	}
	return nil
}

// Unregister removes a workflow's schedule. Unknown IDs are a no-op.
func (s *Scheduler) Unregister(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, workflowID)
}

// NextRun reports when a registered workflow fires next.
func (s *Scheduler) NextRun(workflowID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return entry.next, true
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once and advances its next-run time.
// Exposed so callers can force a check without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock().UTC()

	s.mu.Lock()
	due := make([]*scheduleEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.next.After(now) {
			due = append(due, entry)
			entry.next = entry.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		if !s.tryAcquire(entry.def.ID) {
			continue // previous firing still running
		}
		s.fire(ctx, entry, now)
		s.release(entry.def.ID)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *scheduleEntry, now time.Time) {
	s.logger.Info("firing scheduled workflow",
		slog.String("workflow_id", entry.def.ID),
		slog.Time("due_at", now),
	)

	event := &schema.TriggerEvent{
		WorkflowID: entry.def.ID,
		TenantID:   entry.tenantID,
		Source:     "schedule",
		Payload:    map[string]any{"firedAt": now.Format(time.RFC3339)},
	}
	if err := s.starter.Start(ctx, entry.def, event); err != nil {
		s.logger.Error("scheduled workflow failed to start",
			slog.String("workflow_id", entry.def.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

// triggerConfig extracts the single trigger node's config from a
// workflow definition.
func triggerConfig(def *schema.WorkflowDefinition) (*schema.TriggerConfig, string, error) {
	if def == nil {
		return nil, "", schema.NewError(schema.ErrKindValidation, "workflow definition is nil")
	}
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Type != schema.NodeTypeTrigger {
			continue
		}
		var cfg schema.TriggerConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, "", schema.NewErrorf(schema.ErrKindValidation,
				"workflow %s: trigger node %s has invalid config: %v", def.ID, node.ID, err).
				WithNode(node.ID)
		}
		return &cfg, node.ID, nil
	}
	return nil, "", schema.NewErrorf(schema.ErrKindValidation, "workflow %s has no trigger node", def.ID)
}
