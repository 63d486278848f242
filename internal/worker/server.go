package worker

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AltairaLabs/chatrelay/internal/config"
)

// ServiceName is the gRPC health service name reported by workers
const ServiceName = "chatrelay.worker"

// Pinger checks the backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server runs a worker pool and reports its health over gRPC
type Server struct {
	workerID string
	pool     *Pool
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
}

// NewServer creates a worker server
func NewServer(workerID string, pool *Pool, pinger Pinger, logger *slog.Logger, interval time.Duration) *Server {
	if interval <= 0 {
		interval = config.DefaultHealthCheckInterval
	}
	s := &Server{
		workerID: workerID,
		pool:     pool,
		health:   health.NewServer(),
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds the health service to g
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Health returns the health service implementation
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Run processes turns until ctx is canceled
func (s *Server) Run(ctx context.Context) {
	s.CheckHealth(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.monitor(ctx)
	}()

	s.pool.Run(ctx)
	<-done
	s.health.Shutdown()
}

// CheckHealth pings the store once and updates the reported status
func (s *Server) CheckHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	if err := s.pinger.Ping(pingCtx); err != nil {
		s.logger.Warn("Redis health check failed", "worker_id", s.workerID, "error", err)
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CheckHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}
