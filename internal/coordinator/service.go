// Package coordinator is the ingress and egress of the chat relay: it accepts user messages,
// streams session events to browsers over SSE and exposes the same operations as MCP tools.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/storage"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

var (
	// ErrInvalidMessage is returned for malformed submissions
	ErrInvalidMessage = errors.New("invalid message")
	// ErrStoreUnavailable is returned when Redis cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Enqueuer appends turn requests to a session's work queue
type Enqueuer interface {
	Prepare(ctx context.Context, entry taskqueue.Entry) error
	EnqueueTx(ctx context.Context, pipe redis.Pipeliner, entry taskqueue.Entry)
}

// Publisher broadcasts session events
type Publisher interface {
	PublishTx(ctx context.Context, pipe redis.Pipeliner, ev *types.Event) (*redis.Cmd, error)
}

// SubmitRequest is a user message as posted by a client
type SubmitRequest struct {
	SessionID string `json:"sessionId"`
	// LegacySessionID accepts the snake_case spelling older clients send
	LegacySessionID string `json:"session_id,omitempty"`
	Text            string `json:"text"`
	MessageID       string `json:"messageId,omitempty"`
	Author          string `json:"author,omitempty"`
}

// SubmitResult acknowledges an accepted message
type SubmitResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId"`
	Sequence  uint64 `json:"sequence"`
	// Duplicate is set when the message id was accepted before
	Duplicate bool `json:"duplicate,omitempty"`
}

// History is the hydration payload of a session
type History struct {
	SessionID string          `json:"sessionId"`
	Messages  []types.Message `json:"messages"`
	Summary   *types.Summary  `json:"summary,omitempty"`
	Facts     []string        `json:"facts"`
	// Sequence is the last published event; streaming with since=Sequence continues seamlessly
	Sequence uint64 `json:"sequence"`
}

// Health reports the coordinator's view of the system
type Health struct {
	Status        string `json:"status"`
	Redis         string `json:"redis"`
	PrimaryModel  string `json:"primaryModel"`
	ObserverModel string `json:"observerModel"`
	ActiveStreams int    `json:"activeStreams"`
}

// Service implements the ingress operations shared by HTTP and MCP
type Service struct {
	cfg       *config.Config
	store     storage.SessionStore
	queue     Enqueuer
	publisher Publisher
	log       *fanout.Log
	audit     *AuditLogger
	streams   *StreamManager
	logger    *slog.Logger
}

// NewService creates the ingress service
func NewService(
	cfg *config.Config,
	store storage.SessionStore,
	queue Enqueuer,
	publisher Publisher,
	log *fanout.Log,
	audit *AuditLogger,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		publisher: publisher,
		log:       log,
		audit:     audit,
		streams:   NewStreamManager(),
		logger:    logger,
	}
}

// Streams returns the registry of open SSE streams
func (s *Service) Streams() *StreamManager {
	return s.streams
}

// Submit accepts a user message: it stores it, announces it and queues the primary agent's turn.
// Resubmitting a client message id returns the original acknowledgement.
func (s *Service) Submit(ctx context.Context, req SubmitRequest, source string) (SubmitResult, error) {
	logger := logging.FromContext(ctx, s.logger)
	entry := &types.AuditEntry{
		Source:    source,
		RequestID: logging.RequestID(ctx),
		Timestamp: time.Now().UTC(),
	}

	result, err := s.submit(ctx, req, entry)
	if err != nil {
		entry.ErrorMsg = err.Error()
		logger.Warn("Message rejected", "session_id", entry.SessionID, "error", err)
	} else {
		entry.MessageID = result.MessageID
		entry.Sequence = result.Sequence
	}
	s.audit.LogSubmit(ctx, entry)
	return result, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, entry *types.AuditEntry) (SubmitResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.LegacySessionID
	}
	entry.SessionID = sessionID
	text := strings.TrimSpace(req.Text)
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = types.AuthorUser
	}

	switch {
	case sessionID == "" || text == "":
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrInvalidMessage, config.ErrSessionAndTextRequired)
	case !keyspace.ValidSessionID(sessionID):
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrInvalidMessage, config.ErrInvalidSessionID)
	}
	if _, isAgent := types.AgentIDFromAuthor(author); isAgent {
		return SubmitResult{}, fmt.Errorf("%w: author %q is reserved for agents", ErrInvalidMessage, author)
	}

	if err := s.store.Ping(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	} else {
		prior, first, err := s.store.Accept(ctx, sessionID, messageID, storage.Acceptance{MessageID: messageID})
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !first {
			return SubmitResult{OK: true, MessageID: prior.MessageID, Sequence: prior.Sequence, Duplicate: true}, nil
		}
	}

	seq, err := s.accept(ctx, sessionID, messageID, text, author)
	if err != nil {
		if req.MessageID != "" {
			s.releaseAcceptance(sessionID, messageID)
		}
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if req.MessageID != "" {
		if err := s.store.UpdateAcceptance(ctx, sessionID, messageID, storage.Acceptance{MessageID: messageID, Sequence: seq}); err != nil {
			s.logger.Warn("Failed to record acceptance sequence", "session_id", sessionID, "error", err)
		}
	}
	return SubmitResult{OK: true, MessageID: messageID, Sequence: seq}, nil
}

// accept appends the message, announces it and queues the primary agent's turn in one
// transaction, so a failed submission leaves nothing behind and can be retried as a whole
func (s *Service) accept(ctx context.Context, sessionID, messageID, text, author string) (uint64, error) {
	now := time.Now().UTC()
	msg := &types.Message{
		MessageID:  messageID,
		SessionID:  sessionID,
		Author:     author,
		Text:       text,
		Visibility: types.VisibilityPublic,
		CreatedAt:  now,
	}
	accepted := &types.Event{
		Type:       types.EventMessageAccepted,
		SessionID:  sessionID,
		MessageID:  messageID,
		Author:     author,
		Text:       text,
		Visibility: types.VisibilityPublic,
		CreatedAt:  now,
	}
	primary := s.cfg.Primary()
	turn := taskqueue.Entry{
		TurnRequest: types.TurnRequest{
			SessionID:           sessionID,
			Kind:                types.TurnKindUser,
			AgentID:             primary.AgentID,
			TriggeringMessageID: messageID,
			EnqueuedAt:          now,
		},
		Text:   text,
		Author: author,
	}
	if err := s.queue.Prepare(ctx, turn); err != nil {
		return 0, err
	}

	var published *redis.Cmd
	err := s.store.AppendMessage(ctx, msg, func(pipe redis.Pipeliner) error {
		var err error
		if published, err = s.publisher.PublishTx(ctx, pipe, accepted); err != nil {
			return err
		}
		s.queue.EnqueueTx(ctx, pipe, turn)
		return nil
	})
	if err != nil {
		return 0, err
	}
	seq, err := fanout.Sequence(published)
	if err != nil {
		return 0, err
	}
	logging.FromContext(ctx, s.logger).Debug(fmt.Sprintf(config.MsgTurnQueued, messageID, primary.AgentID),
		"session_id", sessionID,
		"sequence", seq,
	)
	return seq, nil
}

func (s *Service) releaseAcceptance(sessionID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseAcceptance(ctx, sessionID, messageID); err != nil {
		s.logger.Warn("Failed to release acceptance", "session_id", sessionID, "message_id", messageID, "error", err)
	}
}

// History returns the recent window and summary of a session
func (s *Service) History(ctx context.Context, sessionID string) (History, error) {
	if !keyspace.ValidSessionID(sessionID) {
		return History{}, fmt.Errorf("%w: %s", ErrInvalidMessage, config.ErrInvalidSessionID)
	}
	// Read the tail first so that nothing in the window is newer than Sequence
	seq, err := s.log.Tail(ctx, sessionID)
	if err != nil {
		return History{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	messages, err := s.store.Recent(ctx, sessionID, 0)
	if err != nil {
		return History{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	summary, err := s.store.Summary(ctx, sessionID)
	if err != nil {
		return History{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	facts, err := s.store.Facts(ctx, sessionID)
	if err != nil {
		return History{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if messages == nil {
		messages = []types.Message{}
	}
	if facts == nil {
		facts = []string{}
	}
	return History{SessionID: sessionID, Messages: messages, Summary: summary, Facts: facts, Sequence: seq}, nil
}

// Events returns up to limit retained events after since
func (s *Service) Events(ctx context.Context, sessionID string, since uint64, limit int) ([]json.RawMessage, error) {
	if !keyspace.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, config.ErrInvalidSessionID)
	}
	items, err := s.log.Range(ctx, sessionID, since, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = item.Data
	}
	return out, nil
}

// Agents returns the configured roster. API keys are never serialized.
func (s *Service) Agents() []types.AgentConfig {
	return s.cfg.Agents
}

// Health pings Redis and reports the configured models
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:        "ok",
		Redis:         "up",
		PrimaryModel:  s.cfg.Primary().Model,
		ActiveStreams: s.streams.Count(),
	}
	if observers := s.cfg.Observers(); len(observers) > 0 {
		h.ObserverModel = observers[0].Model
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Redis = "down"
	}
	return h
}
