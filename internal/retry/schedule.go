package retry

import (
	"sort"
	"sync"
	"time"
)

type scheduled[T any] struct {
	item    T
	attempt int
	dueAt   time.Time
	// taken is set while a Due item is being retried
	taken bool
}

// Schedule holds deferred items keyed by id until their backoff elapses.
// It is owned by one consumer; the mutex only guards against concurrent stop paths.
type Schedule[T any] struct {
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	items map[string]*scheduled[T]
}

// NewSchedule creates an empty schedule using policy
func NewSchedule[T any](policy Policy) *Schedule[T] {
	return &Schedule[T]{
		policy: policy,
		now:    time.Now,
		items:  make(map[string]*scheduled[T]),
	}
}

// Defer records item under id. Deferring the same id again increases its attempt count.
// It returns the chosen delay.
func (s *Schedule[T]) Defer(id string, item T) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.items[id]
	if !ok {
		entry = &scheduled[T]{}
		s.items[id] = entry
	} else {
		entry.attempt++
	}
	entry.item = item
	entry.taken = false
	delay := s.policy.CalculateDelay(entry.attempt)
	entry.dueAt = s.now().Add(delay)
	return delay
}

// Due removes and returns the items whose backoff has elapsed, oldest deadline first.
// Their attempt counts are kept so a repeated Defer keeps backing off.
func (s *Schedule[T]) Due() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ready []*scheduled[T]
	for _, entry := range s.items {
		if !entry.taken && !entry.dueAt.After(now) {
			ready = append(ready, entry)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].dueAt.Before(ready[j].dueAt) })

	out := make([]T, 0, len(ready))
	for _, entry := range ready {
		entry.taken = true
		out = append(out, entry.item)
	}
	return out
}

// Forget drops id once its item was processed or abandoned
func (s *Schedule[T]) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

// Len returns the number of tracked items
func (s *Schedule[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
