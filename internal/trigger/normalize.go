package trigger

import (
	"strings"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// ForWebhook normalizes an incoming webhook call into a TriggerEvent,
// after checking that the workflow declares a webhook trigger whose
// path and method match. Method defaults to POST on both sides.
func ForWebhook(def *schema.WorkflowDefinition, tenantID, path, method string, payload map[string]any) (*schema.TriggerEvent, error) {
	cfg, nodeID, err := triggerConfig(def)
	if err != nil {
		return nil, err
	}
	if cfg.TriggerType != "webhook" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s trigger is %q, not a webhook", def.ID, cfg.TriggerType).WithNode(nodeID)
	}
	if cfg.WebhookPath != path {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s webhook path is %q, got %q", def.ID, cfg.WebhookPath, path).WithNode(nodeID)
	}
	want := cfg.WebhookMethod
	if want == "" {
		want = "POST"
	}
	if method == "" {
		method = "POST"
	}
	if !strings.EqualFold(want, method) {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s webhook method is %s, got %s", def.ID, want, method).WithNode(nodeID)
	}

	return &schema.TriggerEvent{
		WorkflowID: def.ID,
		TenantID:   tenantID,
		Source:     "webhook",
		Payload:    payload,
	}, nil
}

// ForEvent normalizes a bus event into a TriggerEvent. Source must
// match the declared eventSource; eventType matches when declared,
// any type passes when the trigger declares none.
func ForEvent(def *schema.WorkflowDefinition, tenantID, source, eventType string, payload map[string]any) (*schema.TriggerEvent, error) {
	cfg, nodeID, err := triggerConfig(def)
	if err != nil {
		return nil, err
	}
	if cfg.TriggerType != "event" {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s trigger is %q, not an event trigger", def.ID, cfg.TriggerType).WithNode(nodeID)
	}
	if cfg.EventSource != "" && cfg.EventSource != source {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s listens to source %q, got %q", def.ID, cfg.EventSource, source).WithNode(nodeID)
	}
	if cfg.EventType != "" && cfg.EventType != eventType {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"workflow %s listens to event type %q, got %q", def.ID, cfg.EventType, eventType).WithNode(nodeID)
	}

	merged := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		merged[k] = v
	}
	merged["eventSource"] = source
	if eventType != "" {
		merged["eventType"] = eventType
	}
	return &schema.TriggerEvent{
		WorkflowID: def.ID,
		TenantID:   tenantID,
		Source:     "event",
		Payload:    merged,
	}, nil
}

// Manual builds a TriggerEvent for an operator-initiated run. Any
// trigger type accepts a manual start.
func Manual(def *schema.WorkflowDefinition, tenantID string, payload map[string]any) (*schema.TriggerEvent, error) {
	if _, _, err := triggerConfig(def); err != nil {
		return nil, err
	}
	return &schema.TriggerEvent{
		WorkflowID: def.ID,
		TenantID:   tenantID,
		Source:     "manual",
		Payload:    payload,
	}, nil
}
