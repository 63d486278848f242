package worker

import (
	"context"
	"time"
)

// This file contains the consumer goroutine loop, which runs until its context is canceled.
// The logic of one iteration lives in consumer.step and is tested separately.

// loop runs step until ctx is canceled, sleeping briefly when idle
func (c *consumer) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if c.step(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.pool.cfg.IdleSleep):
		}
	}
}
