package coordinator

import (
	"context"
	"log/slog"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// AuditLogger records message submissions and MCP tool calls
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With("component", "audit"),
	}
}

// LogSubmit logs an accepted or rejected user message
func (al *AuditLogger) LogSubmit(ctx context.Context, entry *types.AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.WarnContext(ctx, "message_rejected",
			"session_id", entry.SessionID,
			"message_id", entry.MessageID,
			"source", entry.Source,
			"error", entry.ErrorMsg,
			"request_id", entry.RequestID,
		)
		return
	}
	al.logger.InfoContext(ctx, "message_accepted",
		"session_id", entry.SessionID,
		"message_id", entry.MessageID,
		"source", entry.Source,
		"sequence", entry.Sequence,
		"request_id", entry.RequestID,
		"timestamp", entry.Timestamp,
	)
}

// LogToolCall logs a tool invocation with all relevant context
func (al *AuditLogger) LogToolCall(ctx context.Context, entry *types.AuditEntry) {
	al.logger.InfoContext(ctx, "tool_call",
		"session_id", entry.SessionID,
		"tool_name", entry.ToolName,
		"arguments", entry.Arguments,
		"request_id", entry.RequestID,
		"timestamp", entry.Timestamp,
	)
}

// LogToolResult logs a tool execution result
func (al *AuditLogger) LogToolResult(ctx context.Context, entry *types.AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.ErrorContext(ctx, "tool_error",
			"session_id", entry.SessionID,
			"tool_name", entry.ToolName,
			"error", entry.ErrorMsg,
			"request_id", entry.RequestID,
		)
		return
	}
	al.logger.InfoContext(ctx, "tool_result",
		"session_id", entry.SessionID,
		"tool_name", entry.ToolName,
		"message_id", entry.MessageID,
		"sequence", entry.Sequence,
		"request_id", entry.RequestID,
	)
}
