package coordinator

import (
	"context"
	"encoding/json"

	"github.com/AltairaLabs/chatrelay/internal/tools/handlers/chat"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

// chatServiceAdapter exposes Service to the MCP chat tools
type chatServiceAdapter struct {
	svc *Service
}

var _ chat.Service = (*chatServiceAdapter)(nil)

func newChatServiceAdapter(svc *Service) *chatServiceAdapter {
	return &chatServiceAdapter{svc: svc}
}

func (a *chatServiceAdapter) Send(ctx context.Context, sessionID, text, messageID string) (chat.Ack, error) {
	result, err := a.svc.Submit(ctx, SubmitRequest{SessionID: sessionID, Text: text, MessageID: messageID}, "mcp")
	if err != nil {
		return chat.Ack{}, err
	}
	return chat.Ack{OK: result.OK, MessageID: result.MessageID, Sequence: result.Sequence}, nil
}

func (a *chatServiceAdapter) Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	history, err := a.svc.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages := history.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (a *chatServiceAdapter) Summary(ctx context.Context, sessionID string) (*types.Summary, []string, error) {
	history, err := a.svc.History(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return history.Summary, history.Facts, nil
}

func (a *chatServiceAdapter) Events(ctx context.Context, sessionID string, since uint64, limit int) ([]json.RawMessage, error) {
	return a.svc.Events(ctx, sessionID, since, limit)
}
