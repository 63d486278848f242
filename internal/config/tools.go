package config

// MCP tool names
const (
	ToolSendMessage    = "chat.send_message"
	ToolRecentMessages = "chat.recent_messages"
	ToolSummary        = "chat.summary"
	ToolEvents         = "chat.events"
)

// DefaultToolEventLimit caps the events returned by one chat.events call
const DefaultToolEventLimit = 200
