package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
)

// ErrHubClosed is returned when subscribing to a closed hub
var ErrHubClosed = errors.New("fanout hub is closed")

type envelope struct {
	Sequence uint64          `json:"sequence"`
	Event    json.RawMessage `json:"event"`
}

// Hub multiplexes every session subscription of a process over one Redis pub/sub connection
type Hub struct {
	rdb    redis.UniversalClient
	log    *Log
	logger *slog.Logger
	buffer int

	// order serializes SUBSCRIBE and UNSUBSCRIBE with the bookkeeping that decided them, so
	// an unsubscribe of an emptied channel reaches the server before a later subscribe
	order sync.Mutex

	mu       sync.Mutex
	ps       *redis.PubSub
	subs     map[string]map[*Subscription]struct{} // channel -> subscribers
	waiters  map[string][]chan struct{}            // channel -> pending subscribe confirmations
	confirms map[string]bool                       // channels confirmed by the server
	inflight map[string]int                        // channel -> SUBSCRIBE commands not yet confirmed
	closed   bool
	done     chan struct{}
}

// NewHub creates a hub and starts its receive loop
func NewHub(rdb redis.UniversalClient, logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = config.DefaultSubscriberBuffer
	}
	h := &Hub{
		rdb:      rdb,
		log:      NewLog(rdb),
		logger:   logger,
		buffer:   buffer,
		ps:       rdb.Subscribe(context.Background()),
		subs:     make(map[string]map[*Subscription]struct{}),
		waiters:  make(map[string][]chan struct{}),
		confirms: make(map[string]bool),
		inflight: make(map[string]int),
		done:     make(chan struct{}),
	}
	go h.run(h.ps.ChannelWithSubscriptions(redis.WithChannelSize(buffer)))
	return h
}

// Log returns the hub's event log reader
func (h *Hub) Log() *Log {
	return h.log
}

// Subscribe attaches to a session's live events, then positions the cursor. A nil since starts
// after the current tail; otherwise every retained event after *since is replayed first.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, since *uint64) (*Subscription, error) {
	if !keyspace.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		channel:   keyspace.For(sessionID).Fanout,
		ch:        make(chan envelope, h.buffer),
	}
	if err := h.attach(ctx, sub); err != nil {
		return nil, err
	}

	if err := sub.position(ctx, since); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// attach registers sub and waits until the server confirmed the channel subscription
func (h *Hub) attach(ctx context.Context, sub *Subscription) error {
	h.order.Lock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.order.Unlock()
		return ErrHubClosed
	}
	set, ok := h.subs[sub.channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sub.channel] = set
	}
	set[sub] = struct{}{}

	if h.confirms[sub.channel] {
		h.mu.Unlock()
		h.order.Unlock()
		return nil
	}
	wait := make(chan struct{})
	h.waiters[sub.channel] = append(h.waiters[sub.channel], wait)
	if !ok {
		h.inflight[sub.channel]++
	}
	h.mu.Unlock()

	var err error
	if !ok {
		err = h.ps.Subscribe(ctx, sub.channel)
		if err != nil {
			h.mu.Lock()
			h.settle(sub.channel)
			h.mu.Unlock()
		}
	}
	h.order.Unlock()
	if err != nil {
		h.detach(sub)
		return fmt.Errorf("subscribe to %s: %w", sub.sessionID, err)
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		h.detach(sub)
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// detach removes sub and unsubscribes the channel when it was the last one
func (h *Hub) detach(sub *Subscription) {
	h.order.Lock()
	defer h.order.Unlock()

	h.mu.Lock()
	set := h.subs[sub.channel]
	delete(set, sub)
	last := len(set) == 0
	if last {
		delete(h.subs, sub.channel)
		delete(h.confirms, sub.channel)
		delete(h.waiters, sub.channel)
	}
	closed := h.closed
	h.mu.Unlock()

	if last && !closed {
		if err := h.ps.Unsubscribe(context.Background(), sub.channel); err != nil {
			h.logger.Warn("Failed to unsubscribe", "channel", sub.channel, "error", err)
		}
	}
}

// settle records one answered SUBSCRIBE of channel; h.mu must be held
func (h *Hub) settle(channel string) {
	if h.inflight[channel]--; h.inflight[channel] <= 0 {
		delete(h.inflight, channel)
	}
}

// SubscriberCount returns the number of live subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close stops the receive loop and releases the pub/sub connection
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.ps.Close()
	<-h.done
	return err
}

func (h *Hub) run(in <-chan interface{}) {
	defer close(h.done)
	for msg := range in {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				h.confirm(m.Channel)
			}
		case *redis.Message:
			h.dispatch(m)
		}
	}
}

// confirm handles a subscribe reply. Replies to commands sent for an earlier, since emptied,
// set of subscribers do not confirm the current one.
func (h *Hub) confirm(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settle(channel)
	if h.inflight[channel] > 0 {
		return
	}
	if _, active := h.subs[channel]; !active {
		return
	}
	h.confirms[channel] = true
	for _, wait := range h.waiters[channel] {
		close(wait)
	}
	delete(h.waiters, channel)
}

func (h *Hub) dispatch(m *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		h.logger.Warn("Dropping malformed fan-out message", "channel", m.Channel, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[m.Channel] {
		select {
		case sub.ch <- env:
		default:
			// Never block the shared connection; the subscriber recovers from the log
			sub.lagged.Store(true)
		}
	}
}
