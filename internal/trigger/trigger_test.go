package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomiq/flowrun/pkg/schema"
)

type recordingStarter struct {
	mu     sync.Mutex
	events []*schema.TriggerEvent
}

func (r *recordingStarter) Start(_ context.Context, _ *schema.WorkflowDefinition, event *schema.TriggerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func defWithTrigger(t *testing.T, id string, cfg schema.TriggerConfig) *schema.WorkflowDefinition {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &schema.WorkflowDefinition{
		ID:      id,
		Version: 1,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger, Config: raw},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- scheduler ---

func TestSchedulerFiresDueWorkflow(t *testing.T) {
	now := time.Date(2025, 6, 1, 11, 59, 30, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	starter := &recordingStarter{}
	s := NewScheduler(SchedulerConfig{Clock: clock}, starter, testLogger())

	def := defWithTrigger(t, "nightly-sync", schema.TriggerConfig{
		TriggerType:    "schedule",
		CronExpression: "0 12 * * *",
	})
	require.NoError(t, s.Register(def, "tenant-1"))

	// Not due yet.
	s.Tick(context.Background())
	assert.Equal(t, 0, starter.count())

	advance(time.Minute)
	s.Tick(context.Background())
	require.Equal(t, 1, starter.count())
	event := starter.events[0]
	assert.Equal(t, "nightly-sync", event.WorkflowID)
	assert.Equal(t, "tenant-1", event.TenantID)
	assert.Equal(t, "schedule", event.Source)
	assert.Equal(t, "2025-06-01T12:00:30Z", event.Payload["firedAt"])

	// The same occurrence does not fire twice.
	s.Tick(context.Background())
	assert.Equal(t, 1, starter.count())

	next, ok := s.NextRun("nightly-sync")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), next)
}

func TestSchedulerRegisterRejectsNonSchedule(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, &recordingStarter{}, testLogger())
	def := defWithTrigger(t, "hook", schema.TriggerConfig{
		TriggerType: "webhook",
		WebhookPath: "/leads",
	})
	err := s.Register(def, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a schedule")
}

func TestSchedulerRegisterRejectsBadCron(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, &recordingStarter{}, testLogger())
	def := defWithTrigger(t, "broken", schema.TriggerConfig{
		TriggerType:    "schedule",
		CronExpression: "not a cron",
	})
	err := s.Register(def, "")
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
}

func TestSchedulerTimezoneAwareSchedule(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	starter := &recordingStarter{}
	s := NewScheduler(SchedulerConfig{Clock: func() time.Time { return now }}, starter, testLogger())

	// 12:00 in Berlin is 10:00 UTC during DST.
	def := defWithTrigger(t, "berlin-noon", schema.TriggerConfig{
		TriggerType:    "schedule",
		CronExpression: "0 12 * * *",
		Timezone:       "Europe/Berlin",
	})
	require.NoError(t, s.Register(def, ""))

	next, ok := s.NextRun("berlin-noon")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), next.UTC())
}

func TestSchedulerUnregisterStopsFiring(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	starter := &recordingStarter{}
	s := NewScheduler(SchedulerConfig{Clock: clock}, starter, testLogger())
	def := defWithTrigger(t, "minutely", schema.TriggerConfig{
		TriggerType:    "schedule",
		CronExpression: "* * * * *",
	})
	require.NoError(t, s.Register(def, ""))
	s.Unregister("minutely")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	s.Tick(context.Background())
	assert.Equal(t, 0, starter.count())

	_, ok := s.NextRun("minutely")
	assert.False(t, ok)
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(SchedulerConfig{TickInterval: time.Hour}, &recordingStarter{}, testLogger())
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	// Stopping twice is a no-op.
	require.NoError(t, s.Stop())
}

// --- normalization ---

func TestForWebhookMatchesDeclaredPath(t *testing.T) {
	def := defWithTrigger(t, "lead-intake", schema.TriggerConfig{
		TriggerType: "webhook",
		WebhookPath: "/leads",
	})

	event, err := ForWebhook(def, "tenant-1", "/leads", "post", map[string]any{"criteria": "X"})
	require.NoError(t, err)
	assert.Equal(t, "lead-intake", event.WorkflowID)
	assert.Equal(t, "tenant-1", event.TenantID)
	assert.Equal(t, "webhook", event.Source)
	assert.Equal(t, "X", event.Payload["criteria"])
}

func TestForWebhookRejectsMismatch(t *testing.T) {
	def := defWithTrigger(t, "lead-intake", schema.TriggerConfig{
		TriggerType:   "webhook",
		WebhookPath:   "/leads",
		WebhookMethod: "PUT",
	})

	_, err := ForWebhook(def, "", "/other", "PUT", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")

	_, err = ForWebhook(def, "", "/leads", "POST", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method")
}

func TestForWebhookRejectsWrongTriggerType(t *testing.T) {
	def := defWithTrigger(t, "nightly", schema.TriggerConfig{
		TriggerType:    "schedule",
		CronExpression: "0 0 * * *",
	})
	_, err := ForWebhook(def, "", "/leads", "POST", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a webhook")
}

func TestForEventFiltersSourceAndType(t *testing.T) {
	def := defWithTrigger(t, "on-signup", schema.TriggerConfig{
		TriggerType: "event",
		EventSource: "crm",
		EventType:   "contact.created",
	})

	event, err := ForEvent(def, "tenant-1", "crm", "contact.created", map[string]any{"email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "event", event.Source)
	assert.Equal(t, "a@b.c", event.Payload["email"])
	assert.Equal(t, "crm", event.Payload["eventSource"])
	assert.Equal(t, "contact.created", event.Payload["eventType"])

	_, err = ForEvent(def, "tenant-1", "billing", "contact.created", nil)
	require.Error(t, err)

	_, err = ForEvent(def, "tenant-1", "crm", "contact.deleted", nil)
	require.Error(t, err)
}

func TestForEventOpenTypeMatchesAny(t *testing.T) {
	def := defWithTrigger(t, "firehose", schema.TriggerConfig{
		TriggerType: "event",
		EventSource: "crm",
	})
	event, err := ForEvent(def, "", "crm", "anything.goes", nil)
	require.NoError(t, err)
	assert.Equal(t, "anything.goes", event.Payload["eventType"])
}

func TestManualAcceptsAnyTriggerType(t *testing.T) {
	def := defWithTrigger(t, "hook", schema.TriggerConfig{
		TriggerType: "webhook",
		WebhookPath: "/leads",
	})
	event, err := Manual(def, "tenant-1", map[string]any{"criteria": "X"})
	require.NoError(t, err)
	assert.Equal(t, "manual", event.Source)
	assert.Equal(t, "X", event.Payload["criteria"])
}
