package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

// Subscriber opens event subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, since *uint64) (*fanout.Subscription, error)
}

// sseWriter frames server-sent events
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) event(id uint64, data []byte) error {
	if id > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// parseSince reads the replay cursor from the since parameter or the Last-Event-ID header
func parseSince(r *http.Request) (*uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return nil, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("since must be a non-negative integer")
	}
	return &since, nil
}

// handleStream sends a connection-status event, then every event after the cursor, live
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, config.ErrSessionRequired)
		return
	}
	if !keyspace.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, config.ErrInvalidSessionID)
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	logger := logging.FromContext(r.Context(), s.logger).With("session_id", sessionID)
	stream, ctx := s.svc.Streams().Register(r.Context(), sessionID)
	defer s.svc.Streams().Unregister(stream)

	sub, err := s.hub.Subscribe(ctx, sessionID, since)
	if err != nil {
		logger.Warn("Failed to subscribe", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"type": string(types.EventSessionError), "reason": "redis_down"})
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	out := &sseWriter{w: w, flusher: flusher}

	status, _ := json.Marshal(&types.Event{
		Type:      types.EventConnectionStatus,
		SessionID: sessionID,
		Sequence:  sub.Cursor(),
		Status:    "connected",
		Truncated: sub.Truncated(),
		CreatedAt: time.Now().UTC(),
	})
	if err := out.event(0, status); err != nil {
		return
	}
	logger.Debug("Stream opened", "cursor", sub.Cursor(), "truncated", sub.Truncated())

	items := make(chan fanout.Item)
	failed := make(chan error, 1)
	go func() {
		for {
			item, err := sub.Next(ctx)
			if err != nil {
				failed <- err
				return
			}
			select {
			case items <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case item := <-items:
			if err := out.event(item.Sequence, item.Data); err != nil {
				return
			}
		case <-ping.C:
			if err := out.comment("ping"); err != nil {
				return
			}
		case err := <-failed:
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Stream ended", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
