package worker

import (
	"strings"
	"sync"
	"time"
)

// coalescer merges streamed chunks into at most max partial events, each carrying the
// text received so far
type coalescer struct {
	mu       sync.Mutex
	max      int
	interval time.Duration
	emit     func(text string)
	now      func() time.Time

	buf  strings.Builder
	sent int
	last time.Time
}

func newCoalescer(max int, interval time.Duration, emit func(text string)) *coalescer {
	return &coalescer{max: max, interval: interval, emit: emit, now: time.Now}
}

// Add appends a chunk and emits a partial when the flush interval elapsed
func (c *coalescer) Add(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.WriteString(chunk)
	if c.sent >= c.max {
		return
	}
	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.interval {
		return
	}
	c.last = now
	c.sent++
	c.emit(c.buf.String())
}

// Sent returns the number of partials emitted
func (c *coalescer) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}
