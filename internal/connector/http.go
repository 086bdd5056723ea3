package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axiomiq/flowrun/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultCallTimeout     = 30 * time.Second

	tenantHeader   = "X-Flowrun-Tenant"
	providerHeader = "X-Flowrun-Provider"
)

// HTTPConfig configures the HTTP proxy connector.
type HTTPConfig struct {
	BaseURL         string
	APIKey          string
	MaxResponseBody int64
	CallTimeout     time.Duration
	Client          *http.Client
}

// HTTPConnector forwards calls to an integration gateway that performs
// auth and talks to the actual provider.
type HTTPConnector struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPConnector(cfg HTTPConfig) (*HTTPConnector, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "connector requires a base URL")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrKindValidation, "invalid connector base URL %q", cfg.BaseURL)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPConnector{config: cfg, client: client}, nil
}

func (c *HTTPConnector) Call(ctx context.Context, req *Request) (map[string]any, error) {
	if req.Provider == "" || req.Endpoint == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "connector call requires provider and endpoint")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, callError(req.Provider, req.Endpoint, false, err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	callURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/proxy/" +
		url.PathEscape(req.Provider) + "/" + strings.TrimPrefix(req.Endpoint, "/")

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, method, callURL, bodyReader)
	if err != nil {
		return nil, callError(req.Provider, req.Endpoint, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(providerHeader, req.Provider)
	if req.TenantID != "" {
		httpReq.Header.Set(tenantHeader, req.TenantID)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, callError(req.Provider, req.Endpoint, isNetworkTransient(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, callError(req.Provider, req.Endpoint, true, err)
	}

	if resp.StatusCode >= 400 {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, callError(req.Provider, req.Endpoint, transient,
			fmt.Errorf("provider returned %s: %s", resp.Status, truncate(string(body), 256)))
	}

	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return map[string]any{"raw": string(body)}, nil
	}
	if obj, ok := parsed.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"result": parsed}, nil
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
