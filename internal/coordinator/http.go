package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/logging"
)

const (
	maxBodyBytes    = 64 << 10
	requestIDHeader = "X-Request-ID"
)

// HTTPConfig holds the HTTP surface settings
type HTTPConfig struct {
	PingInterval time.Duration
}

// DefaultHTTPConfig returns default configuration
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{PingInterval: config.DefaultSSEPingInterval}
}

// HTTPServer serves the browser-facing API
type HTTPServer struct {
	svc    *Service
	hub    Subscriber
	logger *slog.Logger
	cfg    HTTPConfig
	mux    *http.ServeMux
}

// NewHTTPServer creates the HTTP API
func NewHTTPServer(svc *Service, hub Subscriber, logger *slog.Logger, cfg HTTPConfig) *HTTPServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultSSEPingInterval
	}
	s := &HTTPServer{
		svc:    svc,
		hub:    hub,
		logger: logger,
		cfg:    cfg,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/message", s.handleMessage)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleHistory)
	s.mux.HandleFunc("GET /api/agents", s.handleAgents)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	return s
}

// Mount serves h under pattern, used for the MCP transport
func (s *HTTPServer) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the routed API wrapped in its middlewares
func (s *HTTPServer) Handler() http.Handler {
	return chainMiddlewares(s.mux, s.withLogging, withRequestID, withCORS)
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.svc.Submit(r.Context(), req, "http")
	switch {
	case errors.Is(err, ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), ErrInvalidMessage.Error()+": "))
	case errors.Is(err, ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok":      false,
			"error":   "redis_down",
			"message": config.ErrRedisDown,
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.History(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, config.ErrInvalidSessionID)
	case err != nil:
		logging.FromContext(r.Context(), s.logger).Warn("Failed to load history", "error", err)
		writeError(w, http.StatusServiceUnavailable, config.ErrRedisDown)
	default:
		writeJSON(w, http.StatusOK, history)
	}
}

func (s *HTTPServer) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.svc.Agents()})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withRequestID tags the request context with the caller's or a fresh request id
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// withLogging logs every request once it finished
func (s *HTTPServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.FromContext(r.Context(), s.logger).Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// withCORS leaves the API open to any browser origin
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID, "+requestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// chainMiddlewares applies middlewares so that the last one runs first
func chainMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}
