package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("voucher-escrow", version)
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolEscrowStatus, h.HandleStatus)
	s.AddTool(ToolInitEscrow, h.HandleInit)
	s.AddTool(ToolStartEscrow, h.HandleStart)
	s.AddTool(ToolStopEscrow, h.HandleStop)
	s.AddTool(ToolScanPending, h.HandleScanPending)
	s.AddTool(ToolReleaseListing, h.HandleRelease)
	s.AddTool(ToolRefundListing, h.HandleRefund)
	s.AddTool(ToolListAttempts, h.HandleListAttempts)
	s.AddTool(ToolGetAttempt, h.HandleGetAttempt)

	return s
}
