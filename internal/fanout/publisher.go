// Package fanout publishes session events and delivers them to subscribers.
//
// Every event is assigned the next sequence number of its session, appended to the
// session's event log and broadcast on the session's pub/sub channel by a single script,
// so sequence order, log order and broadcast order are the same.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

// ErrMalformedEvent is returned for encoded events without a sequence placeholder
var ErrMalformedEvent = errors.New("encoded event has no sequence field")

// sequencePlaceholder is how an unpublished event encodes its sequence. It follows the type and
// session id, neither of which can contain it, so its first occurrence is the field itself.
var sequencePlaceholder = []byte(`"sequence":0`)

// KEYS: seq, eventlog, fanout, [turn record]
// ARGV: encoded prefix, encoded suffix, log max length, ttl seconds, [mark field, mark value]
// With a turn record, the event is sent only if the mark is not yet set, and the mark is set in
// the same step. Returns the assigned sequence, or -1 when the mark was already set.
var publishScript = redis.NewScript(`
if KEYS[4] and redis.call("HGET", KEYS[4], ARGV[5]) == ARGV[6] then
	return -1
end
local seq = redis.call("INCR", KEYS[1])
local event = ARGV[1] .. seq .. ARGV[2]
redis.call("XADD", KEYS[2], "MAXLEN", ARGV[3], seq .. "-0", "data", event)
redis.call("PUBLISH", KEYS[3], '{"sequence":' .. seq .. ',"event":' .. event .. '}')
redis.call("EXPIRE", KEYS[1], ARGV[4])
redis.call("EXPIRE", KEYS[2], ARGV[4])
if KEYS[4] then
	redis.call("HSET", KEYS[4], ARGV[5], ARGV[6])
end
return seq
`)

// Turn record marks set by guarded publishes
const (
	markState     = "state"
	markPublished = "published"
	markAnnounced = "announced"
	markSet       = "1"
)

// Encode marshals ev for publishing; the sequence is filled in at publish time
func Encode(ev *types.Event) ([]byte, error) {
	clone := *ev
	clone.Sequence = 0
	data, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Publisher assigns sequence numbers and broadcasts events
type Publisher struct {
	rdb    redis.UniversalClient
	maxLen int64
	ttl    time.Duration
}

// NewPublisher creates a publisher. maxLen bounds each session's event log.
func NewPublisher(rdb redis.UniversalClient, maxLen int64, ttl time.Duration) *Publisher {
	if maxLen <= 0 {
		maxLen = config.DefaultEventLogMaxLen
	}
	if ttl <= 0 {
		ttl = config.DefaultSessionTTL
	}
	return &Publisher{rdb: rdb, maxLen: maxLen, ttl: ttl}
}

// Publish broadcasts ev and sets its Sequence
func (p *Publisher) Publish(ctx context.Context, ev *types.Event) (uint64, error) {
	data, err := Encode(ev)
	if err != nil {
		return 0, err
	}
	seq, _, err := p.PublishEncoded(ctx, ev.SessionID, data, "")
	if err != nil {
		return 0, err
	}
	ev.Sequence = seq
	return seq, nil
}

// PublishEncoded broadcasts an event produced by Encode. When turnKey is set, the turn record is
// marked published in the same step and nothing is sent if it already was; the returned bool
// reports whether the event went out.
func (p *Publisher) PublishEncoded(ctx context.Context, sessionID string, data []byte, turnKey string) (uint64, bool, error) {
	return p.publish(ctx, sessionID, data, turnKey, markState, markPublished)
}

// PublishWorking broadcasts the agent-working event of a turn at most once, recording on the
// turn record that it went out
func (p *Publisher) PublishWorking(ctx context.Context, sessionID string, data []byte, turnKey string) (uint64, bool, error) {
	if turnKey == "" {
		return 0, false, errors.New("publish working: turn key is required")
	}
	return p.publish(ctx, sessionID, data, turnKey, markAnnounced, markSet)
}

func (p *Publisher) publish(ctx context.Context, sessionID string, data []byte, turnKey, field, value string) (uint64, bool, error) {
	keys, args, err := p.scriptArgs(sessionID, data, turnKey, field, value)
	if err != nil {
		return 0, false, err
	}
	seq, err := publishScript.Run(ctx, p.rdb, keys, args...).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("publish event to %s: %w", sessionID, err)
	}
	if seq < 0 {
		return 0, false, nil
	}
	return uint64(seq), true, nil
}

// PublishTx queues the publish of ev on pipe, so it happens only if the rest of the transaction
// does. Read the assigned sequence with Sequence once the transaction ran.
func (p *Publisher) PublishTx(ctx context.Context, pipe redis.Pipeliner, ev *types.Event) (*redis.Cmd, error) {
	data, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	keys, args, err := p.scriptArgs(ev.SessionID, data, "", "", "")
	if err != nil {
		return nil, err
	}
	// EVALSHA cannot fall back to EVAL inside MULTI
	return publishScript.Eval(ctx, pipe, keys, args...), nil
}

// Sequence returns the sequence a publish queued by PublishTx was assigned
func Sequence(cmd *redis.Cmd) (uint64, error) {
	seq, err := cmd.Int64()
	if err != nil {
		return 0, fmt.Errorf("publish event: %w", err)
	}
	return uint64(seq), nil
}

func (p *Publisher) scriptArgs(sessionID string, data []byte, turnKey, field, value string) ([]string, []interface{}, error) {
	idx := bytes.Index(data, sequencePlaceholder)
	if idx < 0 {
		return nil, nil, ErrMalformedEvent
	}
	prefix := string(data[:idx+len(sequencePlaceholder)-1])
	suffix := string(data[idx+len(sequencePlaceholder):])

	ttl := int64(p.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	keys := keyspace.For(sessionID)
	scriptKeys := []string{keys.Sequence, keys.EventLog, keys.Fanout}
	args := []interface{}{prefix, suffix, p.maxLen, ttl}
	if turnKey != "" {
		scriptKeys = append(scriptKeys, keys.Turn(turnKey))
		args = append(args, field, value)
	}
	return scriptKeys, args, nil
}
