package taskqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// ErrInvalidRequest is returned for entries that cannot be enqueued or decoded
var ErrInvalidRequest = errors.New("invalid turn request")

// Stream field names of a queue entry
const (
	fieldSessionID   = "session_id"
	fieldKind        = "kind"
	fieldAgentID     = "agent_id"
	fieldTriggeredBy = "triggering_message_id"
	fieldText        = "text"
	fieldAuthor      = "author"
	fieldEnqueuedAt  = "enqueued_at"
)

// Entry is a turn request plus the triggering text, carried for logging and tooling
type Entry struct {
	types.TurnRequest
	Text   string
	Author string
}

// Delivery is an entry handed to a consumer; it stays pending until acknowledged
type Delivery struct {
	Entry
	// ID is the stream entry id
	ID string
	// Stream is the session queue key the entry was read from
	Stream string
}

// Key identifies d across sessions; entry ids are only unique within one session's stream
func (d Delivery) Key() string {
	return d.Stream + "/" + d.ID
}

func (e Entry) values() map[string]interface{} {
	enqueuedAt := e.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	return map[string]interface{}{
		fieldSessionID:   e.SessionID,
		fieldKind:        string(e.Kind),
		fieldAgentID:     e.AgentID,
		fieldTriggeredBy: e.TriggeringMessageID,
		fieldText:        e.Text,
		fieldAuthor:      e.Author,
		fieldEnqueuedAt:  enqueuedAt.Format(time.RFC3339Nano),
	}
}

func decodeEntry(stream, id string, values map[string]interface{}) (Delivery, error) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	d := Delivery{ID: id, Stream: stream}
	d.TurnID = id
	d.SessionID = str(fieldSessionID)
	d.Kind = types.TurnKind(str(fieldKind))
	d.AgentID = str(fieldAgentID)
	d.TriggeringMessageID = str(fieldTriggeredBy)
	d.Text = str(fieldText)
	d.Author = str(fieldAuthor)
	if ts := str(fieldEnqueuedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.EnqueuedAt = t
		}
	}

	if err := d.Validate(); err != nil {
		return d, fmt.Errorf("%w: entry %s: %v", ErrInvalidRequest, id, err)
	}
	return d, nil
}
