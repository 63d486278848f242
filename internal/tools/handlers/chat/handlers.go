package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/tools"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

const source = "mcp"

// Handler implements the chat tools
type Handler struct {
	service     Service
	auditLogger AuditLogger
}

// NewHandler creates the chat tool handlers
func NewHandler(service Service, auditLogger AuditLogger) *Handler {
	return &Handler{service: service, auditLogger: auditLogger}
}

// Register adds every chat tool to r
func (h *Handler) Register(r *tools.ToolHandlerRegistry) error {
	defs := []struct {
		tool    mcp.Tool
		handler tools.ToolHandlerFunc
	}{
		{SendMessageTool(), h.SendMessage},
		{RecentMessagesTool(), h.RecentMessages},
		{SummaryTool(), h.Summary},
		{EventsTool(), h.Events},
	}
	for _, def := range defs {
		if err := r.Register(def.tool, def.handler); err != nil {
			return err
		}
	}
	return nil
}

// SendMessageTool defines chat.send_message
func SendMessageTool() mcp.Tool {
	return mcp.NewTool(config.ToolSendMessage,
		mcp.WithDescription("Post a user message to a chat session; agents answer asynchronously"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Chat session id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("message_id", mcp.Description("Client message id; resending it is a no-op")),
	)
}

// RecentMessagesTool defines chat.recent_messages
func RecentMessagesTool() mcp.Tool {
	return mcp.NewTool(config.ToolRecentMessages,
		mcp.WithDescription("Return the recent messages of a chat session, oldest first"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Chat session id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages")),
	)
}

// SummaryTool defines chat.summary
func SummaryTool() mcp.Tool {
	return mcp.NewTool(config.ToolSummary,
		mcp.WithDescription("Return the rolling summary and extracted facts of a chat session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Chat session id")),
	)
}

// EventsTool defines chat.events
func EventsTool() mcp.Tool {
	return mcp.NewTool(config.ToolEvents,
		mcp.WithDescription("Replay the retained events of a chat session after a sequence number"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Chat session id")),
		mcp.WithNumber("since", mcp.Description("Return events with a greater sequence (default 0)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events")),
	)
}

// SendMessage implements chat.send_message
func (h *Handler) SendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	messageID := request.GetString("message_id", "")

	entry := h.entry(ctx, config.ToolSendMessage, sessionID)
	entry.MessageID = messageID
	entry.Arguments = map[string]interface{}{"text_length": len(text)}
	h.auditLogger.LogToolCall(ctx, entry)

	ack, err := h.service.Send(ctx, sessionID, text, messageID)
	if err != nil {
		entry.ErrorMsg = err.Error()
		h.auditLogger.LogToolResult(ctx, entry)
		return mcp.NewToolResultError(err.Error()), nil
	}

	entry.MessageID = ack.MessageID
	entry.Sequence = ack.Sequence
	h.auditLogger.LogToolResult(ctx, entry)
	return jsonResult(ack)
}

// RecentMessages implements chat.recent_messages
func (h *Handler) RecentMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", 0)

	h.auditLogger.LogToolCall(ctx, h.entry(ctx, config.ToolRecentMessages, sessionID))
	messages, err := h.service.Recent(ctx, sessionID, limit)
	if err != nil {
		return h.fail(ctx, config.ToolRecentMessages, sessionID, err), nil
	}
	if messages == nil {
		messages = []types.Message{}
	}
	return jsonResult(RecentResponse{SessionID: sessionID, Messages: messages})
}

// Summary implements chat.summary
func (h *Handler) Summary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	h.auditLogger.LogToolCall(ctx, h.entry(ctx, config.ToolSummary, sessionID))
	summary, facts, err := h.service.Summary(ctx, sessionID)
	if err != nil {
		return h.fail(ctx, config.ToolSummary, sessionID, err), nil
	}

	resp := SummaryResponse{SessionID: sessionID, Facts: facts}
	if resp.Facts == nil {
		resp.Facts = []string{}
	}
	if summary != nil {
		resp.Summary = summary.Text
		resp.UpdatedAt = summary.UpdatedAt.Format(time.RFC3339)
	}
	return jsonResult(resp)
}

// Events implements chat.events
func (h *Handler) Events(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	since := request.GetInt("since", 0)
	if since < 0 {
		return mcp.NewToolResultError("since must not be negative"), nil
	}
	limit := request.GetInt("limit", config.DefaultToolEventLimit)
	if limit <= 0 || limit > config.DefaultToolEventLimit {
		limit = config.DefaultToolEventLimit
	}

	h.auditLogger.LogToolCall(ctx, h.entry(ctx, config.ToolEvents, sessionID))
	events, err := h.service.Events(ctx, sessionID, uint64(since), limit)
	if err != nil {
		return h.fail(ctx, config.ToolEvents, sessionID, err), nil
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	return jsonResult(EventsResponse{SessionID: sessionID, Since: uint64(since), Events: events})
}

func (h *Handler) entry(ctx context.Context, tool, sessionID string) *types.AuditEntry {
	return &types.AuditEntry{
		SessionID: sessionID,
		Source:    source,
		ToolName:  tool,
		RequestID: logging.RequestID(ctx),
		Timestamp: time.Now().UTC(),
	}
}

func (h *Handler) fail(ctx context.Context, tool, sessionID string, err error) *mcp.CallToolResult {
	entry := h.entry(ctx, tool, sessionID)
	entry.ErrorMsg = err.Error()
	h.auditLogger.LogToolResult(ctx, entry)
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
