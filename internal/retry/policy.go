// Package retry schedules deferred work queue entries.
//
// An entry is deferred when its session is locked by another consumer or when it is not
// yet head-of-line. Deferred entries stay pending in the stream and are retried with
// exponential backoff by the consumer that owns them.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines the backoff applied to deferred entries
type Policy struct {
	InitialDelay      time.Duration // Delay before the first retry
	MaxDelay          time.Duration // Maximum delay between retries
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
	Jitter            float64       // Fraction of the delay randomized, 0 disables jitter
}

// DefaultPolicy returns the backoff used for lock contention
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// CalculateDelay returns the delay before retry number attempt (0-based)
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	if attempt > 0 {
		delay *= math.Pow(p.BackoffMultiplier, float64(attempt))
	}
	if time.Duration(delay) > p.MaxDelay {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay -= delay * p.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

// Validate checks if the policy configuration is valid
func (p *Policy) Validate() error {
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier <= 0 {
		return errors.New("BackoffMultiplier must be positive")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.New("Jitter must be in [0, 1)")
	}
	return nil
}
