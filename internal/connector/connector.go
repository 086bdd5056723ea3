// Package connector proxies tool-node calls to third-party providers
// through an integration gateway. Credential resolution lives behind
// the gateway; the engine only threads the tenant id through.
package connector

import (
	"context"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// Request is one proxied provider call on behalf of a tenant.
type Request struct {
	TenantID string
	Provider string
	Endpoint string
	Method   string
	Payload  map[string]any
}

// Connector executes integration calls. Implementations classify
// failures: transient (network, 5xx, rate limit) errors carry
// Details["transient"]=true so the engine can retry them.
type Connector interface {
	Call(ctx context.Context, req *Request) (map[string]any, error)
}

// callError wraps a provider failure with its retry classification.
func callError(provider, endpoint string, transient bool, cause error) error {
	return schema.NewErrorf(schema.ErrKindToolInvocation,
		"connector call %s/%s failed: %v", provider, endpoint, cause).
		WithCause(cause).
		WithDetails(map[string]any{
			"provider":  provider,
			"endpoint":  endpoint,
			"transient": transient,
		})
}
