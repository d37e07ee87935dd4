package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all gate ops tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("parceld-gate", "0.1.0")
	client := NewGateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetResource, h.HandleGetResource)
	s.AddTool(ToolListSecurityEvents, h.HandleListSecurityEvents)
	s.AddTool(ToolGetActorRisk, h.HandleGetActorRisk)
	s.AddTool(ToolListAPIKeys, h.HandleListAPIKeys)
	s.AddTool(ToolGetStreamStats, h.HandleGetStreamStats)

	return s
}
