// Package redisstore implements the storage interfaces on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
	"github.com/AltairaLabs/chatrelay/internal/storage"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

// Turn record hash fields
const (
	fieldMessageID = "message_id"
	fieldAgentID   = "agent_id"
	fieldState     = "state"
	fieldAnnounced = "announced"
	fieldOutcome   = "outcome"
	fieldText      = "text"
	fieldReason    = "reason"
	fieldEvent     = "event"
	fieldUpdatedAt = "updated_at"
)

// Options configures a Store
type Options struct {
	TTL         time.Duration
	RecentLimit int
	FactLimit   int
}

// Store is the Redis implementation of storage.SessionStore and storage.TurnStore
type Store struct {
	rdb  redis.UniversalClient
	opts Options
}

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.TurnStore    = (*Store)(nil)
)

// New creates a store; zero options fall back to defaults
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = config.DefaultSessionTTL
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = config.DefaultRecentLimit
	}
	if opts.FactLimit <= 0 {
		opts.FactLimit = config.DefaultFactLimit
	}
	return &Store{rdb: rdb, opts: opts}
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// AppendMessage adds msg to the recent window of its session, together with the writes of with
func (s *Store) AppendMessage(ctx context.Context, msg *types.Message, with ...func(pipe redis.Pipeliner) error) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	keys := keyspace.For(msg.SessionID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.appendRecent(ctx, pipe, keys, data)
		s.refresh(ctx, pipe, keys)
		for _, fn := range with {
			if err := fn(pipe); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message to %s: %w", msg.SessionID, err)
	}
	return nil
}

func (s *Store) appendRecent(ctx context.Context, pipe redis.Pipeliner, keys keyspace.Keys, data []byte) {
	pipe.RPush(ctx, keys.Recent, data)
	pipe.LTrim(ctx, keys.Recent, int64(-s.opts.RecentLimit), -1)
}

// refresh renews the TTL of every key of the session
func (s *Store) refresh(ctx context.Context, pipe redis.Pipeliner, keys keyspace.Keys, extra ...string) {
	for _, key := range append(keys.Expiring(), extra...) {
		pipe.Expire(ctx, key, s.opts.TTL)
	}
}

// Recent returns the newest messages, oldest first
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	if limit <= 0 || limit > s.opts.RecentLimit {
		limit = s.opts.RecentLimit
	}
	raw, err := s.rdb.LRange(ctx, keyspace.For(sessionID).Recent, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent messages of %s: %w", sessionID, err)
	}
	messages := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var msg types.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Summary returns the summary record, nil when the session has none
func (s *Store) Summary(ctx context.Context, sessionID string) (*types.Summary, error) {
	fields, err := s.rdb.HGetAll(ctx, keyspace.For(sessionID).Summary).Result()
	if err != nil {
		return nil, fmt.Errorf("read summary of %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	summary := &types.Summary{Text: fields[fieldText]}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		summary.UpdatedAt = ts
	}
	return summary, nil
}

// Facts returns the fact log, newest first
func (s *Store) Facts(ctx context.Context, sessionID string) ([]string, error) {
	facts, err := s.rdb.LRange(ctx, keyspace.For(sessionID).Facts, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read facts of %s: %w", sessionID, err)
	}
	return facts, nil
}

// Accept stores the acceptance of a client message id unless it exists
func (s *Store) Accept(ctx context.Context, sessionID, clientMessageID string, a storage.Acceptance) (storage.Acceptance, bool, error) {
	key := keyspace.For(sessionID).Accepted(clientMessageID)
	data, err := json.Marshal(a)
	if err != nil {
		return a, false, fmt.Errorf("encode acceptance: %w", err)
	}

	fresh, err := s.rdb.SetNX(ctx, key, data, s.opts.TTL).Result()
	if err != nil {
		return a, false, fmt.Errorf("record acceptance of %s: %w", clientMessageID, err)
	}
	if fresh {
		return a, true, nil
	}

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return a, false, fmt.Errorf("read acceptance of %s: %w", clientMessageID, err)
	}
	var existing storage.Acceptance
	if err := json.Unmarshal(raw, &existing); err != nil {
		return a, false, fmt.Errorf("decode acceptance of %s: %w", clientMessageID, err)
	}
	return existing, false, nil
}

// UpdateAcceptance overwrites the acceptance record, keeping its TTL
func (s *Store) UpdateAcceptance(ctx context.Context, sessionID, clientMessageID string, a storage.Acceptance) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode acceptance: %w", err)
	}
	key := keyspace.For(sessionID).Accepted(clientMessageID)
	if err := s.rdb.Set(ctx, key, data, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("update acceptance of %s: %w", clientMessageID, err)
	}
	return nil
}

// ReleaseAcceptance forgets a client message id so that it can be submitted again
func (s *Store) ReleaseAcceptance(ctx context.Context, sessionID, clientMessageID string) error {
	if err := s.rdb.Del(ctx, keyspace.For(sessionID).Accepted(clientMessageID)).Err(); err != nil {
		return fmt.Errorf("release acceptance of %s: %w", clientMessageID, err)
	}
	return nil
}

// LoadTurn returns the turn record for key, nil if absent
func (s *Store) LoadTurn(ctx context.Context, sessionID, key string) (*storage.TurnRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, keyspace.For(sessionID).Turn(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeTurn(key, fields), nil
}

// BeginTurn creates the working record unless the turn already started
func (s *Store) BeginTurn(ctx context.Context, sessionID, key, agentID, messageID string) (*storage.TurnRecord, bool, error) {
	keys := keyspace.For(sessionID)
	turnKey := keys.Turn(key)

	created, err := s.rdb.HSetNX(ctx, turnKey, fieldMessageID, messageID).Result()
	if err != nil {
		return nil, false, fmt.Errorf("begin turn %s: %w", key, err)
	}
	if created {
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, turnKey,
				fieldAgentID, agentID,
				fieldState, string(storage.TurnStateWorking),
				fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, turnKey, s.opts.TTL)
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("begin turn %s: %w", key, err)
		}
	}

	record, err := s.LoadTurn(ctx, sessionID, key)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, storage.ErrTurnNotFound
	}
	if record.State == "" {
		// A concurrent creator has not written the state yet
		record.State = storage.TurnStateWorking
	}
	return record, created, nil
}

// CommitTurn stores the outcome with its side effects in one MULTI/EXEC. The turn record is
// watched so a turn can be committed only once.
func (s *Store) CommitTurn(ctx context.Context, c storage.Commit) error {
	keys := keyspace.For(c.SessionID)
	turnKey := keys.Turn(c.TurnKey)

	var message []byte
	if c.Message != nil {
		data, err := json.Marshal(c.Message)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		message = data
	}

	txf := func(tx *redis.Tx) error {
		state, err := tx.HGet(ctx, turnKey, fieldState).Result()
		if errors.Is(err, redis.Nil) {
			return storage.ErrTurnNotFound
		}
		if err != nil {
			return err
		}
		if storage.TurnState(state) != storage.TurnStateWorking {
			return storage.ErrTurnConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, turnKey,
				fieldState, string(storage.TurnStateCommitted),
				fieldOutcome, string(c.Outcome),
				fieldText, c.Text,
				fieldReason, c.Reason,
				fieldEvent, c.Event,
				fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
			)
			if message != nil {
				s.appendRecent(ctx, pipe, keys, message)
			}
			if c.Summary != nil {
				pipe.HSet(ctx, keys.Summary,
					fieldText, c.Summary.Text,
					fieldUpdatedAt, c.Summary.UpdatedAt.UTC().Format(time.RFC3339Nano),
				)
			}
			if len(c.Facts) > 0 {
				facts := make([]interface{}, len(c.Facts))
				for i, fact := range c.Facts {
					facts[i] = fact
				}
				pipe.LPush(ctx, keys.Facts, facts...)
				pipe.LTrim(ctx, keys.Facts, 0, int64(s.opts.FactLimit-1))
			}
			if c.FollowUps != nil {
				c.FollowUps(pipe)
			}
			s.refresh(ctx, pipe, keys, turnKey)
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, turnKey)
	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrTurnConflict
	}
	if err != nil && !errors.Is(err, storage.ErrTurnConflict) && !errors.Is(err, storage.ErrTurnNotFound) {
		return fmt.Errorf("commit turn %s: %w", c.TurnKey, err)
	}
	return err
}

func decodeTurn(key string, fields map[string]string) *storage.TurnRecord {
	record := &storage.TurnRecord{
		Key:       key,
		MessageID: fields[fieldMessageID],
		AgentID:   fields[fieldAgentID],
		State:     storage.TurnState(fields[fieldState]),
		Announced: fields[fieldAnnounced] == "1",
		Outcome:   storage.Outcome(fields[fieldOutcome]),
		Text:      fields[fieldText],
		Reason:    fields[fieldReason],
	}
	if ev := fields[fieldEvent]; ev != "" {
		record.Event = []byte(ev)
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		record.UpdatedAt = ts
	}
	return record
}
