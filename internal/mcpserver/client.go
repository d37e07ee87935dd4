package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the gate API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Admin API key, e.g. "pk_..."
}

// GateClient is a pure HTTP client for the gate's admin API.
type GateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGateClient creates a new client for the gate API.
func NewGateClient(cfg Config) *GateClient {
	return &GateClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the gate.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the gate and returns the response body.
func (c *GateClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetResource fetches a delivery or payment by ID.
func (c *GateClient) GetResource(ctx context.Context, kind, id string) (json.RawMessage, error) {
	var path string
	switch kind {
	case "delivery":
		path = "/v1/deliveries/" + id
	case "payment":
		path = "/v1/payments/" + id
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListSecurityEvents queries the audit trail.
func (c *GateClient) ListSecurityEvents(ctx context.Context, actor, kind, severity, since string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if actor != "" {
		q.Set("actor", actor)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if severity != "" {
		q.Set("severity", severity)
	}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit/events", q, nil)
}

// GetActorRisk returns the live risk record for an actor.
func (c *GateClient) GetActorRisk(ctx context.Context, actorID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/risk/"+actorID, nil, nil)
}

// ListRiskFlags returns the persisted flag trail for an actor.
func (c *GateClient) ListRiskFlags(ctx context.Context, actorID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/risk/"+actorID+"/flags", nil, nil)
}

// ListKeys lists the API keys issued to an actor.
func (c *GateClient) ListKeys(ctx context.Context, actorID string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("actor", actorID)
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/keys", q, nil)
}

// StreamStats returns the live event-stream statistics.
func (c *GateClient) StreamStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/stream/stats", nil, nil)
}
