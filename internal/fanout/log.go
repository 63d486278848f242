package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/keyspace"
)

// Item is one published event as stored in the log and sent to subscribers
type Item struct {
	Sequence uint64
	// Data is the encoded event, with its sequence filled in
	Data json.RawMessage
}

// Log reads a session's retained events
type Log struct {
	rdb redis.UniversalClient
}

// NewLog creates a reader over the event logs
func NewLog(rdb redis.UniversalClient) *Log {
	return &Log{rdb: rdb}
}

// Range returns the retained events with after < sequence <= upto. upto 0 means no upper bound.
func (l *Log) Range(ctx context.Context, sessionID string, after, upto uint64) ([]Item, error) {
	start := strconv.FormatUint(after+1, 10) + "-0"
	end := "+"
	if upto > 0 {
		if upto <= after {
			return nil, nil
		}
		end = strconv.FormatUint(upto, 10) + "-0"
	}
	msgs, err := l.rdb.XRange(ctx, keyspace.For(sessionID).EventLog, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("read event log of %s: %w", sessionID, err)
	}
	return toItems(msgs), nil
}

// Tail returns the last assigned sequence, 0 when nothing was published
func (l *Log) Tail(ctx context.Context, sessionID string) (uint64, error) {
	seq, err := l.rdb.Get(ctx, keyspace.For(sessionID).Sequence).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence of %s: %w", sessionID, err)
	}
	return seq, nil
}

// Oldest returns the smallest retained sequence, 0 when the log is empty
func (l *Log) Oldest(ctx context.Context, sessionID string) (uint64, error) {
	msgs, err := l.rdb.XRangeN(ctx, keyspace.For(sessionID).EventLog, "-", "+", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("read event log of %s: %w", sessionID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return parseSequence(msgs[0].ID), nil
}

func toItems(msgs []redis.XMessage) []Item {
	items := make([]Item, 0, len(msgs))
	for _, msg := range msgs {
		data, _ := msg.Values["data"].(string)
		items = append(items, Item{Sequence: parseSequence(msg.ID), Data: json.RawMessage(data)})
	}
	return items
}

func parseSequence(id string) uint64 {
	ms, _, _ := strings.Cut(id, "-")
	seq, _ := strconv.ParseUint(ms, 10, 64)
	return seq
}
