// Package lock implements the per-session mutual exclusion lease.
//
// A lease is a Redis key holding a random token with a PX expiry. Only the holder of the
// token may renew or release it, and a crashed holder's lease simply expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/keyspace"
)

var (
	// ErrBusy is returned by Acquire when another holder owns the session
	ErrBusy = errors.New("session lock is held by another worker")
	// ErrLockLost is returned by Renew when the lease expired or was taken over
	ErrLockLost = errors.New("session lock lost")
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Handle identifies one acquired lease
type Handle struct {
	SessionID string
	Key       string
	Token     string
	// ExpiresAt is the local view of the lease deadline
	ExpiresAt time.Time
}

// Manager acquires and maintains session locks
type Manager struct {
	rdb    redis.UniversalClient
	holder string
}

// NewManager creates a lock manager; holder is embedded in tokens to ease debugging
func NewManager(rdb redis.UniversalClient, holder string) *Manager {
	return &Manager{rdb: rdb, holder: holder}
}

// Acquire takes the session lock without blocking
func (m *Manager) Acquire(ctx context.Context, sessionID string, lease time.Duration) (*Handle, error) {
	key := keyspace.For(sessionID).Lock
	token := m.holder + ":" + uuid.NewString()

	ok, err := m.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", sessionID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Handle{
		SessionID: sessionID,
		Key:       key,
		Token:     token,
		ExpiresAt: time.Now().Add(lease),
	}, nil
}

// Renew extends the lease if it is still held by h
func (m *Manager) Renew(ctx context.Context, h *Handle, lease time.Duration) error {
	n, err := renewScript.Run(ctx, m.rdb, []string{h.Key}, h.Token, lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", h.SessionID, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	h.ExpiresAt = time.Now().Add(lease)
	return nil
}

// Release frees the lease. Releasing an expired or foreign lease is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.rdb, []string{h.Key}, h.Token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", h.SessionID, err)
	}
	return nil
}

// KeepAlive renews h every lease/3 until ctx is done. On failure it calls lost with the
// cause and returns; the caller is expected to cancel the work guarded by the lock.
func (m *Manager) KeepAlive(ctx context.Context, h *Handle, lease time.Duration, lost func(error)) {
	interval := lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Renew(ctx, h, lease)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrLockLost) {
				err = fmt.Errorf("%w: %v", ErrLockLost, err)
			}
			lost(err)
			return
		}
	}
}
