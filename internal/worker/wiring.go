package worker

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/llm"
	"github.com/AltairaLabs/chatrelay/internal/lock"
	"github.com/AltairaLabs/chatrelay/internal/retry"
	"github.com/AltairaLabs/chatrelay/internal/storage/redisstore"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
)

// NewInvoker returns the model client for a provider
func NewInvoker(provider config.Provider) (llm.Invoker, error) {
	switch provider {
	case config.ProviderOpenAI:
		return llm.NewOpenAI(), nil
	case config.ProviderMock:
		return llm.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// DefaultWorkerID derives a consumer name unique to this process
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// NewFromConfig wires a worker server against rdb. An empty cfg.Worker.ID is replaced
// with DefaultWorkerID.
func NewFromConfig(cfg *config.Config, rdb redis.UniversalClient, invoker llm.Invoker, logger *slog.Logger) *Server {
	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	logger = logger.With("worker_id", workerID)

	store := redisstore.New(rdb, redisstore.Options{
		TTL:         cfg.Session.TTL,
		RecentLimit: cfg.Session.RecentLimit,
		FactLimit:   cfg.Session.FactLimit,
	})
	queue := taskqueue.NewTaskQueue(rdb, taskqueue.TaskQueueConfig{
		Group:  cfg.Queue.Group,
		MaxLen: cfg.Queue.MaxLen,
	}, logger)
	publisher := fanout.NewPublisher(rdb, cfg.Fanout.EventLogMaxLen, cfg.Session.TTL)

	processor := NewProcessor(cfg, store, queue, lock.NewManager(rdb, workerID), publisher, invoker, logger, ProcessorConfig{
		LockLease:    cfg.Worker.LockLease,
		TurnTimeout:  cfg.Worker.TurnTimeout,
		MaxPartials:  cfg.Worker.MaxPartials,
		PartialFlush: cfg.Worker.PartialFlush,
	})

	pool := NewPool(processor, queue, logger, PoolConfig{
		WorkerID:       workerID,
		Concurrency:    cfg.Worker.Concurrency,
		ReadCount:      cfg.Worker.ReadCount,
		StreamsPerRead: cfg.Worker.ReadStreams,
		ReadBlock:      cfg.Worker.ReadBlock,
		IdleSleep:      cfg.Worker.IdleSleep,
		ClaimIdle:      cfg.Worker.ClaimIdle,
		ClaimInterval:  cfg.Worker.ClaimInterval,
		SessionRefresh: config.DefaultSessionRefresh,
		Retry:          retry.DefaultPolicy(),
	})

	return NewServer(workerID, pool, store, logger, config.DefaultHealthCheckInterval)
}
