// Package taskqueue implements the per-session work queue on Redis streams.
//
// Every session has its own stream and all workers share one consumer group, so each
// entry is delivered to exactly one consumer at a time and stays pending until acked.
// Entries left pending by a crashed consumer are reclaimed with ClaimStale.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
)

// TaskQueueInterface defines the work queue operations used by the coordinator and workers
type TaskQueueInterface interface {
	// Enqueue appends a turn request to its session's queue
	Enqueue(ctx context.Context, entry Entry) (string, error)
	// Prepare validates an entry and creates its session's group ahead of EnqueueTx
	Prepare(ctx context.Context, entry Entry) error
	// EnqueueTx queues the append on a transaction pipeline
	EnqueueTx(ctx context.Context, pipe redis.Pipeliner, entry Entry)
	// ReadNext delivers new entries from the given sessions to consumer
	ReadNext(ctx context.Context, consumer string, sessionIDs []string, count int64, block time.Duration) ([]Delivery, error)
	// ClaimStale takes over entries another consumer left pending for at least minIdle
	ClaimStale(ctx context.Context, consumer, sessionID string, minIdle time.Duration, count int64) ([]Delivery, error)
	// Touch resets the idle time of an entry consumer still owns
	Touch(ctx context.Context, consumer string, d Delivery) error
	// IsHead reports whether d is the oldest pending entry of its session
	IsHead(ctx context.Context, d Delivery) (bool, error)
	// Ack removes d from the pending list
	Ack(ctx context.Context, d Delivery) error
	// Sessions lists every session that ever had a queued turn
	Sessions(ctx context.Context) ([]string, error)
}

// TaskQueueConfig holds the stream settings
type TaskQueueConfig struct {
	Group  string
	MaxLen int64
}

// DefaultTaskQueueConfig returns default configuration
func DefaultTaskQueueConfig() TaskQueueConfig {
	return TaskQueueConfig{
		Group:  config.DefaultStreamGroup,
		MaxLen: config.DefaultQueueMaxLen,
	}
}

// TaskQueue is the Redis streams implementation of TaskQueueInterface
type TaskQueue struct {
	rdb    redis.UniversalClient
	group  string
	maxLen int64
	logger *slog.Logger
}

var _ TaskQueueInterface = (*TaskQueue)(nil)

// NewTaskQueue creates a work queue over rdb
func NewTaskQueue(rdb redis.UniversalClient, cfg TaskQueueConfig, logger *slog.Logger) *TaskQueue {
	if cfg.Group == "" {
		cfg.Group = config.DefaultStreamGroup
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = config.DefaultQueueMaxLen
	}
	return &TaskQueue{rdb: rdb, group: cfg.Group, maxLen: cfg.MaxLen, logger: logger}
}

// Group returns the consumer group name
func (tq *TaskQueue) Group() string {
	return tq.group
}

// Enqueue registers the session, makes sure its consumer group exists and appends the entry
func (tq *TaskQueue) Enqueue(ctx context.Context, entry Entry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	keys := keyspace.For(entry.SessionID)

	if err := tq.ensureGroup(ctx, keys.Queue); err != nil {
		return "", err
	}
	if err := tq.rdb.SAdd(ctx, keyspace.SessionIndex, entry.SessionID).Err(); err != nil {
		return "", fmt.Errorf("register session %s: %w", entry.SessionID, err)
	}

	id, err := tq.rdb.XAdd(ctx, tq.addArgs(keys.Queue, entry)).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue turn for session %s: %w", entry.SessionID, err)
	}

	tq.logger.Debug(fmt.Sprintf(config.MsgTurnQueued, id, entry.AgentID),
		"session_id", entry.SessionID,
		"kind", entry.Kind,
		"triggering_message_id", entry.TriggeringMessageID,
	)
	return id, nil
}

// Prepare validates entry and makes sure its session's consumer group exists, so that the entry
// can then be appended with EnqueueTx inside a transaction
func (tq *TaskQueue) Prepare(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return tq.ensureGroup(ctx, keyspace.For(entry.SessionID).Queue)
}

// EnqueueTx queues the append on pipe. The session's group must already exist, which holds
// after Prepare and for follow-up turns produced while processing an entry of the same session.
func (tq *TaskQueue) EnqueueTx(ctx context.Context, pipe redis.Pipeliner, entry Entry) {
	keys := keyspace.For(entry.SessionID)
	pipe.SAdd(ctx, keyspace.SessionIndex, entry.SessionID)
	pipe.XAdd(ctx, tq.addArgs(keys.Queue, entry))
}

func (tq *TaskQueue) addArgs(stream string, entry Entry) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: tq.maxLen,
		Approx: true,
		Values: entry.values(),
	}
}

func (tq *TaskQueue) ensureGroup(ctx context.Context, stream string) error {
	err := tq.rdb.XGroupCreateMkStream(ctx, stream, tq.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group on %s: %w", stream, err)
	}
	return nil
}

// ReadNext reads entries never delivered to any consumer. It returns nil, nil when block
// elapses without new entries; a non-positive block polls once. Sessions whose queue expired
// are dropped from the index and the read is repeated over the rest.
func (tq *TaskQueue) ReadNext(ctx context.Context, consumer string, sessionIDs []string, count int64, block time.Duration) ([]Delivery, error) {
	if block <= 0 {
		block = -1
	}
	out, err := tq.readGroup(ctx, consumer, sessionIDs, count, block)
	if err != nil && strings.HasPrefix(err.Error(), "NOGROUP") {
		out, err = tq.readGroup(ctx, consumer, tq.pruneSessions(ctx, sessionIDs), count, block)
	}
	if err != nil && strings.HasPrefix(err.Error(), "NOGROUP") {
		// Expired again between the two reads; the caller retries
		return nil, nil
	}
	return out, err
}

func (tq *TaskQueue) readGroup(ctx context.Context, consumer string, sessionIDs []string, count int64, block time.Duration) ([]Delivery, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, 2*len(sessionIDs))
	for _, id := range sessionIDs {
		streams = append(streams, keyspace.For(id).Queue)
	}
	for range sessionIDs {
		streams = append(streams, ">")
	}

	res, err := tq.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    tq.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, err
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}

	var out []Delivery
	for _, stream := range res {
		out = append(out, tq.decode(ctx, stream.Stream, stream.Messages)...)
	}
	return out, nil
}

// ClaimStale takes over entries pending for at least minIdle, typically left by a crashed consumer
func (tq *TaskQueue) ClaimStale(ctx context.Context, consumer, sessionID string, minIdle time.Duration, count int64) ([]Delivery, error) {
	stream := keyspace.For(sessionID).Queue
	msgs, _, err := tq.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    tq.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, fmt.Errorf("claim stale entries of %s: %w", sessionID, err)
	}
	return tq.decode(ctx, stream, msgs), nil
}

// Touch claims d for consumer again with zero min-idle, resetting its idle time
func (tq *TaskQueue) Touch(ctx context.Context, consumer string, d Delivery) error {
	err := tq.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   d.Stream,
		Group:    tq.group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch entry %s: %w", d.ID, err)
	}
	return nil
}

// IsHead reports whether no pending entry of d's session precedes it.
// Entries are delivered in id order, so an older undelivered entry cannot exist.
func (tq *TaskQueue) IsHead(ctx context.Context, d Delivery) (bool, error) {
	pending, err := tq.rdb.XPending(ctx, d.Stream, tq.group).Result()
	if err != nil {
		return false, fmt.Errorf("pending summary of %s: %w", d.Stream, err)
	}
	if pending.Count == 0 {
		// Already acked elsewhere; let the idempotency record decide
		return true, nil
	}
	return compareIDs(d.ID, pending.Lower) <= 0, nil
}

// Ack acknowledges d
func (tq *TaskQueue) Ack(ctx context.Context, d Delivery) error {
	if err := tq.rdb.XAck(ctx, d.Stream, tq.group, d.ID).Err(); err != nil {
		return fmt.Errorf("ack entry %s: %w", d.ID, err)
	}
	return nil
}

// Sessions lists the known sessions
func (tq *TaskQueue) Sessions(ctx context.Context) ([]string, error) {
	ids, err := tq.rdb.SMembers(ctx, keyspace.SessionIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// decode converts stream messages, acking entries that can never be processed
func (tq *TaskQueue) decode(ctx context.Context, stream string, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d, err := decodeEntry(stream, msg.ID, msg.Values)
		if err != nil {
			tq.logger.Warn("Dropping malformed queue entry", "stream", stream, "entry_id", msg.ID, "error", err)
			_ = tq.rdb.XAck(ctx, stream, tq.group, msg.ID).Err()
			continue
		}
		out = append(out, d)
	}
	return out
}

// pruneSessions forgets sessions whose queue expired, restores the group of the others and
// returns the sessions that still have a queue
func (tq *TaskQueue) pruneSessions(ctx context.Context, sessionIDs []string) []string {
	live := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		stream := keyspace.For(id).Queue
		n, err := tq.rdb.Exists(ctx, stream).Result()
		if err != nil {
			return nil
		}
		if n == 0 {
			tq.logger.Info("Forgetting expired session", "session_id", id)
			tq.rdb.SRem(ctx, keyspace.SessionIndex, id)
			continue
		}
		if err := tq.ensureGroup(ctx, stream); err != nil {
			tq.logger.Warn("Failed to restore consumer group", "session_id", id, "error", err)
			continue
		}
		live = append(live, id)
	}
	return live
}

// compareIDs orders stream ids of the form <ms>-<seq>
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am != bm:
		return cmpUint(am, bm)
	default:
		return cmpUint(as, bs)
	}
}

func splitID(id string) (uint64, uint64) {
	var ms, seq uint64
	_, _ = fmt.Sscanf(id, "%d-%d", &ms, &seq)
	return ms, seq
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
