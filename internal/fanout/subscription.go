package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Subscription delivers one session's events in sequence order, each exactly once
type Subscription struct {
	hub       *Hub
	sessionID string
	channel   string
	ch        chan envelope
	lagged    atomic.Bool

	cursor    uint64
	backlog   []Item
	truncated bool
	closeOnce sync.Once
}

// SessionID returns the subscribed session
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Cursor returns the sequence of the last delivered event
func (s *Subscription) Cursor() uint64 {
	return s.cursor
}

// Truncated reports whether events the subscriber asked for were no longer retained
func (s *Subscription) Truncated() bool {
	return s.truncated
}

func (s *Subscription) position(ctx context.Context, since *uint64) error {
	log := s.hub.log
	if since == nil {
		tail, err := log.Tail(ctx, s.sessionID)
		if err != nil {
			return err
		}
		s.cursor = tail
		return nil
	}

	tail, err := log.Tail(ctx, s.sessionID)
	if err != nil {
		return err
	}
	if *since > tail {
		// The session expired and started over; the client has to re-hydrate
		s.cursor = tail
		s.truncated = true
		return nil
	}

	s.cursor = *since
	items, err := log.Range(ctx, s.sessionID, s.cursor, 0)
	if err != nil {
		return err
	}
	s.backlog = items
	if tail > s.cursor && (len(items) == 0 || items[0].Sequence > s.cursor+1) {
		s.truncated = true
	}
	return nil
}

// Next blocks until the next event is available or ctx is done
func (s *Subscription) Next(ctx context.Context) (Item, error) {
	for {
		if len(s.backlog) > 0 {
			item := s.backlog[0]
			s.backlog = s.backlog[1:]
			if item.Sequence <= s.cursor {
				continue
			}
			s.cursor = item.Sequence
			return item, nil
		}

		if s.lagged.Swap(false) {
			if err := s.fill(ctx, 0); err != nil {
				return Item{}, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case env := <-s.ch:
			switch {
			case env.Sequence <= s.cursor:
				continue
			case env.Sequence == s.cursor+1:
				s.cursor = env.Sequence
				return Item{Sequence: env.Sequence, Data: env.Event}, nil
			default:
				if err := s.fill(ctx, env.Sequence-1); err != nil {
					return Item{}, err
				}
				s.backlog = append(s.backlog, Item{Sequence: env.Sequence, Data: env.Event})
			}
		case <-s.hub.done:
			return Item{}, ErrHubClosed
		}
	}
}

// fill loads the events after the cursor up to upto (0 for all) into the backlog
func (s *Subscription) fill(ctx context.Context, upto uint64) error {
	items, err := s.hub.log.Range(ctx, s.sessionID, s.cursor, upto)
	if err != nil {
		return fmt.Errorf("fill gap after %d: %w", s.cursor, err)
	}
	if len(items) > 0 && items[0].Sequence > s.cursor+1 {
		s.truncated = true
	}
	s.backlog = append(items, s.backlog...)
	return nil
}

// Close detaches the subscription from the hub
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.detach(s)
	})
}
