package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the gate ops MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Every tool is read-only: the ops assistant inspects, it never mutates.

var ToolGetResource = mcp.NewTool("get_resource",
	mcp.WithDescription(
		"Look up a delivery or payment by ID and show its current state, "+
			"owner, and version. Use this to answer questions about a "+
			"specific transaction."),
	mcp.WithString("kind",
		mcp.Required(),
		mcp.Description("Resource kind: 'delivery' or 'payment'"),
		mcp.Enum("delivery", "payment")),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Resource ID (e.g. 'del_1a2b...' or 'pay_9f8e...')")),
)

var ToolListSecurityEvents = mcp.NewTool("list_security_events",
	mcp.WithDescription(
		"Query the security audit trail. Returns recorded events such as "+
			"denied transitions, replay attempts, rate limit hits, and risk "+
			"escalations, newest first. Use filters to narrow down to an "+
			"actor or event kind."),
	mcp.WithString("actor",
		mcp.Description("Filter by actor ID (e.g. 'cust_42')")),
	mcp.WithString("kind",
		mcp.Description("Filter by event kind (e.g. 'TRANSITION_DENIED', 'REPLAY_ATTEMPT', 'RATE_LIMITED')")),
	mcp.WithString("severity",
		mcp.Description("Filter by severity"),
		mcp.Enum("low", "medium", "high", "critical")),
	mcp.WithString("since",
		mcp.Description("Only events after this RFC3339 timestamp")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 50, max 1000)")),
)

var ToolGetActorRisk = mcp.NewTool("get_actor_risk",
	mcp.WithDescription(
		"Get the live risk score, tier, and recent flags for an actor. "+
			"Shows why an actor is being throttled or blocked. Tiers: "+
			"LOW, MEDIUM (delayed), HIGH (heavily delayed), CRITICAL (blocked)."),
	mcp.WithString("actor_id",
		mcp.Required(),
		mcp.Description("The actor's ID (e.g. 'cust_42')")),
	mcp.WithBoolean("include_history",
		mcp.Description("Also fetch the persisted flag trail, not just the live window")),
)

var ToolListAPIKeys = mcp.NewTool("list_api_keys",
	mcp.WithDescription(
		"List the API keys issued to an actor, with role, revocation "+
			"status, and last-used time. Key material is never returned, "+
			"only metadata."),
	mcp.WithString("actor_id",
		mcp.Required(),
		mcp.Description("The actor whose keys to list (e.g. 'cust_42')")),
)

var ToolGetStreamStats = mcp.NewTool("get_stream_stats",
	mcp.WithDescription(
		"Get live statistics for the security event stream: connected "+
			"dashboard clients and total events broadcast."),
)
