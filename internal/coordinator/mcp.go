package coordinator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/chatrelay/internal/tools"
	"github.com/AltairaLabs/chatrelay/internal/tools/handlers/chat"
)

// MCPBasePath is where the MCP SSE transport is mounted
const MCPBasePath = "/mcp"

// MCPConfig holds configuration for the MCP server
type MCPConfig struct {
	Name    string
	Version string
}

// MCPServer wraps the mcp-go server exposing the chat tools
type MCPServer struct {
	server   *server.MCPServer
	registry *tools.ToolHandlerRegistry
	sse      *server.SSEServer
}

// NewMCPServer creates the MCP server and registers every chat tool
func NewMCPServer(cfg MCPConfig, svc *Service, audit *AuditLogger) (*MCPServer, error) {
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	registry := tools.NewToolHandlerRegistry()
	if err := chat.NewHandler(newChatServiceAdapter(svc), audit).Register(registry); err != nil {
		return nil, fmt.Errorf("register chat tools: %w", err)
	}
	registry.Install(mcpServer)

	return &MCPServer{
		server:   mcpServer,
		registry: registry,
		sse:      server.NewSSEServer(mcpServer, server.WithStaticBasePath(MCPBasePath)),
	}, nil
}

// Handler returns the SSE transport, to be mounted under MCPBasePath
func (ms *MCPServer) Handler() http.Handler {
	return ms.sse
}

// Tools lists the registered tool names
func (ms *MCPServer) Tools() []string {
	return ms.registry.Names()
}

// Server returns the underlying mcp-go server
func (ms *MCPServer) Server() *server.MCPServer {
	return ms.server
}

// Shutdown closes open MCP sessions
func (ms *MCPServer) Shutdown(ctx context.Context) error {
	return ms.sse.Shutdown(ctx)
}
