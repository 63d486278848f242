// Package storage defines the session state kept in Redis: the recent-message window,
// the summary, the fact log, turn records and ingress dedupe markers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

var (
	// ErrTurnConflict is returned when a turn record left the working state before commit
	ErrTurnConflict = errors.New("turn record is no longer working")
	// ErrTurnNotFound is returned when committing a turn that was never started
	ErrTurnNotFound = errors.New("turn record not found")
)

// TurnState is the idempotency state of a logical turn
type TurnState string

const (
	// TurnStateWorking means the turn started and no result is stored yet
	TurnStateWorking TurnState = "working"
	// TurnStateCommitted means the outcome and its side effects are stored
	TurnStateCommitted TurnState = "committed"
	// TurnStatePublished means the terminal event was published. The publisher sets it in the
	// same script that sends the event.
	TurnStatePublished TurnState = "published"
)

// Outcome is the result of a committed turn
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// TurnRecord is the stored state of a turn, keyed by its idempotency key
type TurnRecord struct {
	Key       string
	MessageID string
	AgentID   string
	State     TurnState
	// Announced is set once agent-working went out for this turn
	Announced bool
	Outcome   Outcome
	Text      string
	Reason    string
	// Event is the encoded terminal event, republished verbatim on redelivery
	Event     []byte
	UpdatedAt time.Time
}

// Commit describes everything written atomically when a turn finishes
type Commit struct {
	SessionID string
	TurnKey   string
	Outcome   Outcome
	Text      string
	Reason    string
	Event     []byte

	// Message is appended to the recent window
	Message *types.Message
	// Summary replaces the session summary
	Summary *types.Summary
	// Facts are pushed onto the fact log, newest first
	Facts []string
	// FollowUps queues additional commands, such as follow-up turns, in the same transaction
	FollowUps func(pipe redis.Pipeliner)
}

// Acceptance is the ingress dedupe record of a client message id
type Acceptance struct {
	MessageID string `json:"messageId"`
	Sequence  uint64 `json:"sequence"`
}

// SessionStore reads and writes the conversational state of sessions
type SessionStore interface {
	// AppendMessage adds msg to the recent window, trimming it to the configured size. Writes
	// queued on the pipe by with commit in the same transaction as the append, or not at all;
	// an error from with discards the transaction.
	AppendMessage(ctx context.Context, msg *types.Message, with ...func(pipe redis.Pipeliner) error) error
	// Recent returns up to limit of the newest messages, oldest first; limit <= 0 means the whole window
	Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error)
	// Summary returns the session summary, nil if none exists
	Summary(ctx context.Context, sessionID string) (*types.Summary, error)
	// Facts returns the fact log, newest first
	Facts(ctx context.Context, sessionID string) ([]string, error)
	// Accept records the first acceptance of clientMessageID. It returns the stored record and
	// false when the id was seen before.
	Accept(ctx context.Context, sessionID, clientMessageID string, a Acceptance) (Acceptance, bool, error)
	// UpdateAcceptance stores the sequence assigned to an accepted message
	UpdateAcceptance(ctx context.Context, sessionID, clientMessageID string, a Acceptance) error
	// ReleaseAcceptance forgets clientMessageID after a submission failed half way
	ReleaseAcceptance(ctx context.Context, sessionID, clientMessageID string) error
	// Ping checks connectivity
	Ping(ctx context.Context) error
}

// TurnStore keeps the idempotency records of turns
type TurnStore interface {
	// LoadTurn returns the record for key, nil if the turn never started
	LoadTurn(ctx context.Context, sessionID, key string) (*TurnRecord, error)
	// BeginTurn creates a working record with messageID unless one exists. It returns the
	// stored record and whether this call created it.
	BeginTurn(ctx context.Context, sessionID, key, agentID, messageID string) (*TurnRecord, bool, error)
	// CommitTurn atomically stores the outcome and its side effects
	CommitTurn(ctx context.Context, c Commit) error
}
