package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Stream is one open SSE connection
type Stream struct {
	ID        string
	SessionID string
	cancel    context.CancelFunc
}

// StreamManager tracks open SSE connections so that shutdown can end them
type StreamManager struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStreamManager creates a new stream manager
func NewStreamManager() *StreamManager {
	return &StreamManager{
		streams: make(map[string]*Stream),
	}
}

// Register records a stream for sessionID and returns a context that ends when the
// stream is closed through CloseAll or when parent ends
func (sm *StreamManager) Register(parent context.Context, sessionID string) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{ID: uuid.NewString(), SessionID: sessionID, cancel: cancel}

	sm.mu.Lock()
	sm.streams[s.ID] = s
	sm.mu.Unlock()
	return s, ctx
}

// Unregister removes a stream and releases its context
func (sm *StreamManager) Unregister(s *Stream) {
	sm.mu.Lock()
	delete(sm.streams, s.ID)
	sm.mu.Unlock()
	s.cancel()
}

// CloseAll ends every open stream
func (sm *StreamManager) CloseAll() {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, s := range sm.streams {
		s.cancel()
	}
}

// Count returns the number of open streams
func (sm *StreamManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.streams)
}

// CountForSession returns the number of open streams of sessionID
func (sm *StreamManager) CountForSession(sessionID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, s := range sm.streams {
		if s.SessionID == sessionID {
			n++
		}
	}
	return n
}
