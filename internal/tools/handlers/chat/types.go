// Package chat provides the MCP tool handlers of the chat relay
package chat

import (
	"context"
	"encoding/json"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// Service is the chat surface the tools operate on
type Service interface {
	Send(ctx context.Context, sessionID, text, messageID string) (Ack, error)
	Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error)
	Summary(ctx context.Context, sessionID string) (*types.Summary, []string, error)
	Events(ctx context.Context, sessionID string, since uint64, limit int) ([]json.RawMessage, error)
}

// AuditLogger records tool calls
type AuditLogger interface {
	LogToolCall(ctx context.Context, entry *types.AuditEntry)
	LogToolResult(ctx context.Context, entry *types.AuditEntry)
}

// Ack is returned for an accepted message
type Ack struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId"`
	Sequence  uint64 `json:"sequence"`
}

// RecentResponse is the result of chat.recent_messages
type RecentResponse struct {
	SessionID string          `json:"sessionId"`
	Messages  []types.Message `json:"messages"`
}

// SummaryResponse is the result of chat.summary
type SummaryResponse struct {
	SessionID string   `json:"sessionId"`
	Summary   string   `json:"summary"`
	Facts     []string `json:"facts"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// EventsResponse is the result of chat.events
type EventsResponse struct {
	SessionID string            `json:"sessionId"`
	Since     uint64            `json:"since"`
	Events    []json.RawMessage `json:"events"`
}
