package config

import "time"

// Default timing configurations used throughout chatrelay
const (
	// DefaultSessionTTL is how long session keys live after the last write
	DefaultSessionTTL = 24 * time.Hour

	// DefaultLockLease is the lifetime of a session lock lease before it must be renewed
	DefaultLockLease = 30 * time.Second

	// DefaultTurnTimeout bounds a single LLM invocation
	DefaultTurnTimeout = 60 * time.Second

	// DefaultClaimIdle is how long an entry may stay unacknowledged before another consumer claims it
	DefaultClaimIdle = 2 * time.Minute

	// DefaultClaimInterval is how often a consumer looks for stale entries
	DefaultClaimInterval = 15 * time.Second

	// DefaultReadBlock is how long XREADGROUP blocks waiting for new entries
	DefaultReadBlock = 2 * time.Second

	// DefaultIdleSleep is the pause between polls when no session is known yet
	DefaultIdleSleep = 50 * time.Millisecond

	// DefaultSessionRefresh is how often a consumer refreshes the known-session index
	DefaultSessionRefresh = 1 * time.Second

	// DefaultPartialFlushInterval coalesces streamed chunks into partial events
	DefaultPartialFlushInterval = 150 * time.Millisecond

	// DefaultSSEPingInterval is how often the SSE stream emits a keep-alive comment
	DefaultSSEPingInterval = 10 * time.Second

	// DefaultHealthCheckInterval is how often the worker probes Redis for its health service
	DefaultHealthCheckInterval = 5 * time.Second
)

// Default sizes
const (
	// DefaultRecentLimit is the size of the recent-message window
	DefaultRecentLimit = 50

	// DefaultFactLimit caps the fact log
	DefaultFactLimit = 50

	// DefaultQueueMaxLen approximately caps each session's work queue stream
	DefaultQueueMaxLen = 500

	// DefaultEventLogMaxLen caps each session's event log
	DefaultEventLogMaxLen = 1000

	// DefaultReadCount is the maximum entries fetched per XREADGROUP call
	DefaultReadCount = 10

	// DefaultStreamsPerRead caps the session queues named in one XREADGROUP call
	DefaultStreamsPerRead = 64

	// DefaultConcurrency is the number of consumers per worker process
	DefaultConcurrency = 4

	// DefaultMaxPartials bounds partial-content events per streamed turn
	DefaultMaxPartials = 64

	// DefaultSubscriberBuffer is the per-subscriber live event buffer
	DefaultSubscriberBuffer = 256
)

// DefaultStreamGroup is the consumer group shared by all workers
const DefaultStreamGroup = "worker-group"
