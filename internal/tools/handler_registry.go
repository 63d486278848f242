// Package tools keeps the MCP tool definitions of the coordinator together with their handlers.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolHandlerFunc is a function that handles a tool call
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

type registered struct {
	tool    mcp.Tool
	handler ToolHandlerFunc
}

// ToolHandlerRegistry maps tool names to definitions and handler functions
type ToolHandlerRegistry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

// NewToolHandlerRegistry creates an empty registry
func NewToolHandlerRegistry() *ToolHandlerRegistry {
	return &ToolHandlerRegistry{tools: make(map[string]registered)}
}

// Register adds a tool. Names must be unique.
func (r *ToolHandlerRegistry) Register(tool mcp.Tool, handler ToolHandlerFunc) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[tool.Name]; dup {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = registered{tool: tool, handler: handler}
	return nil
}

// GetHandler returns the handler function for a given tool name
func (r *ToolHandlerRegistry) GetHandler(toolName string) (ToolHandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolName]
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool: %s", toolName)
	}
	return t.handler, nil
}

// Names returns the registered tool names in sorted order
func (r *ToolHandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install adds every registered tool to s
func (r *ToolHandlerRegistry) Install(s *server.MCPServer) {
	for _, name := range r.Names() {
		r.mu.RLock()
		t := r.tools[name]
		r.mu.RUnlock()
		s.AddTool(t.tool, server.ToolHandlerFunc(t.handler))
	}
}
