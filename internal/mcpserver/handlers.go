package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GateClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetResource looks up a delivery or payment.
func (h *Handlers) HandleGetResource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "")
	if kind == "" {
		return mcp.NewToolResultError("kind is required"), nil
	}
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	raw, err := h.client.GetResource(ctx, kind, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch %s: %v", kind, err)), nil
	}

	text, err := formatResource(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse resource: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListSecurityEvents queries the audit trail.
func (h *Handlers) HandleListSecurityEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor := req.GetString("actor", "")
	kind := req.GetString("kind", "")
	severity := req.GetString("severity", "")
	since := req.GetString("since", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListSecurityEvents(ctx, actor, kind, severity, since, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}

	text, err := formatEventList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetActorRisk returns an actor's live risk record.
func (h *Handlers) HandleGetActorRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", "")
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	raw, err := h.client.GetActorRisk(ctx, actorID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk record: %v", err)), nil
	}

	text, err := formatRisk(actorID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk record: %v", err)), nil
	}

	if req.GetBool("include_history", false) {
		historyRaw, err := h.client.ListRiskFlags(ctx, actorID)
		if err == nil {
			if history, herr := formatFlagHistory(historyRaw); herr == nil && history != "" {
				text += "\n" + history
			}
		}
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListAPIKeys lists key metadata for an actor.
func (h *Handlers) HandleListAPIKeys(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", "")
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	raw, err := h.client.ListKeys(ctx, actorID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list keys: %v", err)), nil
	}

	text, err := formatKeyList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse keys: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetStreamStats returns event-stream statistics.
func (h *Handlers) HandleGetStreamStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.StreamStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stream stats: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatResource(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", getString(m, "kind"), getString(m, "id"))
	fmt.Fprintf(&sb, "  State: %s\n", getString(m, "state"))
	fmt.Fprintf(&sb, "  Customer: %s\n", getString(m, "customerId"))
	if v := getString(m, "courierId"); v != "" {
		fmt.Fprintf(&sb, "  Courier: %s\n", v)
	}
	if v := getString(m, "deliveryId"); v != "" {
		fmt.Fprintf(&sb, "  Delivery: %s\n", v)
	}
	if v := getString(m, "amount"); v != "" {
		fmt.Fprintf(&sb, "  Amount: %s (authorized total: %s)\n", v, getString(m, "total"))
	}
	fmt.Fprintf(&sb, "  Updated: %s\n", getString(m, "updatedAt"))

	return sb.String(), nil
}

func formatEventList(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []map[string]any `json:"events"`
		Count  int              `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}

	if len(resp.Events) == 0 {
		return "No security events matched the filter.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d event(s):\n\n", len(resp.Events))
	for i, e := range resp.Events {
		fmt.Fprintf(&sb, "%d. [%s] %s by %s\n",
			i+1, getString(e, "severity"), getString(e, "kind"), getString(e, "actor"))
		if rid := getString(e, "resourceId"); rid != "" {
			fmt.Fprintf(&sb, "   Resource: %s %s\n", getString(e, "resourceKind"), rid)
		}
		if detail, ok := e["detail"].(map[string]any); ok && len(detail) > 0 {
			var parts []string
			for k, v := range detail {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			fmt.Fprintf(&sb, "   Detail: %s\n", strings.Join(parts, " "))
		}
		fmt.Fprintf(&sb, "   At: %s\n", getString(e, "createdAt"))
		if i < len(resp.Events)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatRisk(actorID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Behavior map[string]any `json:"behavior"`
		Tracked  bool           `json:"tracked"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if !resp.Tracked {
		return fmt.Sprintf("Actor %s has no risk record: no suspicious activity in the current window.", actorID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk record for %s:\n", actorID)
	if v, ok := getFloat(resp.Behavior, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.0f\n", v)
	}
	if v := getString(resp.Behavior, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	if v := getString(resp.Behavior, "lastActivity"); v != "" {
		fmt.Fprintf(&sb, "  Last activity: %s\n", v)
	}

	if flags, ok := resp.Behavior["flags"].([]any); ok && len(flags) > 0 {
		fmt.Fprintf(&sb, "  Recent flags (%d):\n", len(flags))
		for _, f := range flags {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			line := "    - " + getString(fm, "type")
			if d := getString(fm, "detail"); d != "" {
				line += ": " + d
			}
			sb.WriteString(line + "\n")
		}
	}

	return sb.String(), nil
}

func formatFlagHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Flags []map[string]any `json:"flags"`
		Count int              `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Flags) == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Persisted flag history (%d):\n", len(resp.Flags))
	for _, f := range resp.Flags {
		fmt.Fprintf(&sb, "  - %s (+%s) at %s\n",
			getString(f, "type"), getString(f, "points"), getString(f, "createdAt"))
	}
	return sb.String(), nil
}

func formatKeyList(raw json.RawMessage) (string, error) {
	var resp struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected keys response format")
	}

	if len(resp.Keys) == 0 {
		return "No API keys issued.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d key(s):\n\n", len(resp.Keys))
	for i, k := range resp.Keys {
		status := "active"
		if revoked, ok := k["revoked"].(bool); ok && revoked {
			status = "revoked"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, getString(k, "id"), status)
		fmt.Fprintf(&sb, "   Actor: %s | Role: %s\n", getString(k, "actorId"), getString(k, "role"))
		if v := getString(k, "lastUsed"); v != "" {
			fmt.Fprintf(&sb, "   Last used: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
