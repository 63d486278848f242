package worker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/retry"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
)

// TurnProcessor processes one delivery
type TurnProcessor interface {
	Process(ctx context.Context, d taskqueue.Delivery) Outcome
}

// PoolConfig holds the consumer settings of a worker process
type PoolConfig struct {
	WorkerID       string
	Concurrency    int
	ReadCount      int64
	StreamsPerRead int
	ReadBlock      time.Duration
	IdleSleep      time.Duration
	ClaimIdle      time.Duration
	ClaimInterval  time.Duration
	SessionRefresh time.Duration
	Retry          retry.Policy
}

// DefaultPoolConfig returns default configuration
func DefaultPoolConfig(workerID string) PoolConfig {
	return PoolConfig{
		WorkerID:       workerID,
		Concurrency:    config.DefaultConcurrency,
		ReadCount:      config.DefaultReadCount,
		StreamsPerRead: config.DefaultStreamsPerRead,
		ReadBlock:      config.DefaultReadBlock,
		IdleSleep:      config.DefaultIdleSleep,
		ClaimIdle:      config.DefaultClaimIdle,
		ClaimInterval:  config.DefaultClaimInterval,
		SessionRefresh: config.DefaultSessionRefresh,
		Retry:          retry.DefaultPolicy(),
	}
}

// Pool runs Concurrency consumers against the shared consumer group
type Pool struct {
	processor TurnProcessor
	queue     taskqueue.TaskQueueInterface
	logger    *slog.Logger
	cfg       PoolConfig

	mu        sync.Mutex
	consumers []*consumer
}

// NewPool creates a worker pool
func NewPool(processor TurnProcessor, queue taskqueue.TaskQueueInterface, logger *slog.Logger, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultConcurrency
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = config.DefaultReadCount
	}
	if cfg.StreamsPerRead <= 0 {
		cfg.StreamsPerRead = config.DefaultStreamsPerRead
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = config.DefaultIdleSleep
	}
	if cfg.SessionRefresh <= 0 {
		cfg.SessionRefresh = config.DefaultSessionRefresh
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = config.DefaultClaimInterval
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = config.DefaultClaimIdle
	}
	if cfg.Retry.Validate() != nil {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Pool{processor: processor, queue: queue, logger: logger, cfg: cfg}
}

// Run starts the consumers and blocks until ctx is canceled and every consumer finished
// its current delivery
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Starting worker pool",
		"worker_id", p.cfg.WorkerID,
		"concurrency", p.cfg.Concurrency,
	)

	var wg sync.WaitGroup
	for n := 0; n < p.cfg.Concurrency; n++ {
		c := &consumer{
			name:      fmt.Sprintf("%s-%d", p.cfg.WorkerID, n),
			pool:      p,
			deferred:  retry.NewSchedule[taskqueue.Delivery](p.cfg.Retry),
			lastClaim: time.Now(),
		}
		p.mu.Lock()
		p.consumers = append(p.consumers, c)
		p.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	p.logger.Info("Worker pool stopped", "worker_id", p.cfg.WorkerID)
}

// Deferred returns the number of entries waiting for retry across all consumers
func (p *Pool) Deferred() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.consumers {
		n += c.deferred.Len()
	}
	return n
}

// consumer is one named member of the consumer group
type consumer struct {
	name     string
	pool     *Pool
	deferred *retry.Schedule[taskqueue.Delivery]

	sessions    []string
	cursor      int
	refreshedAt time.Time
	lastClaim   time.Time
}

// handle processes d and records what happens to it next
func (c *consumer) handle(ctx context.Context, d taskqueue.Delivery) {
	outcome := c.pool.processor.Process(ctx, d)
	switch outcome {
	case Deferred:
		c.deferred.Defer(d.Key(), d)
		if err := c.pool.queue.Touch(ctx, c.name, d); err != nil {
			c.pool.logger.Debug("Failed to touch deferred entry", "entry_id", d.ID, "error", err)
		}
	default:
		c.deferred.Forget(d.Key())
	}
	c.pool.logger.Debug("Processed entry",
		"consumer", c.name,
		"session_id", d.SessionID,
		"entry_id", d.ID,
		"outcome", outcome.String(),
	)
}

// step runs one iteration: due deferred entries, stale claims, then new entries.
// It returns false when there was nothing to read.
func (c *consumer) step(ctx context.Context) bool {
	cfg := c.pool.cfg

	for _, d := range c.deferred.Due() {
		if ctx.Err() != nil {
			return true
		}
		c.handle(ctx, d)
	}

	if time.Since(c.refreshedAt) >= cfg.SessionRefresh {
		sessions, err := c.pool.queue.Sessions(ctx)
		if err != nil {
			c.pool.logger.Warn("Failed to list sessions", "consumer", c.name, "error", err)
		} else {
			// Stable order keeps the read windows stable across refreshes
			slices.Sort(sessions)
			c.sessions = sessions
			c.refreshedAt = time.Now()
		}
	}

	if time.Since(c.lastClaim) >= cfg.ClaimInterval {
		c.lastClaim = time.Now()
		for _, sessionID := range c.sessions {
			claimed, err := c.pool.queue.ClaimStale(ctx, c.name, sessionID, cfg.ClaimIdle, cfg.ReadCount)
			if err != nil {
				c.pool.logger.Warn("Failed to claim stale entries", "session_id", sessionID, "error", err)
				continue
			}
			for _, d := range claimed {
				c.pool.logger.Info("Reclaimed stale entry", "consumer", c.name, "session_id", sessionID, "entry_id", d.ID)
				c.handle(ctx, d)
			}
		}
	}

	if len(c.sessions) == 0 {
		return false
	}

	sessions, last := c.window()
	block := cfg.ReadBlock
	if c.deferred.Len() > 0 && (block <= 0 || block > cfg.IdleSleep) {
		block = cfg.IdleSleep
	}
	if !last {
		// Only the window that completes a rotation may wait
		block = 0
	}
	deliveries, err := c.pool.queue.ReadNext(ctx, c.name, sessions, cfg.ReadCount, block)
	if err != nil {
		if ctx.Err() == nil {
			c.pool.logger.Warn("Failed to read queue", "consumer", c.name, "error", err)
		}
		return false
	}
	for _, d := range deliveries {
		c.handle(ctx, d)
	}
	return len(deliveries) > 0 || !last
}

// window returns the sessions of the next read, at most StreamsPerRead of them, rotating
// through the known sessions. last reports whether the window ends a rotation.
func (c *consumer) window() ([]string, bool) {
	n, size := len(c.sessions), c.pool.cfg.StreamsPerRead
	if n <= size {
		return c.sessions, true
	}
	start := c.cursor % n
	end := start + size
	if end >= n {
		c.cursor = 0
		return c.sessions[start:], true
	}
	c.cursor = end
	return c.sessions[start:end], false
}
