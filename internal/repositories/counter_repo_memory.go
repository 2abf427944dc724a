package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

type memoryCounter struct {
	window time.Duration
	idx    int64
	curr   int64
	prev   int64
}

// MemoryCounterStore is a single-process CounterStore using the same two-bucket algorithm
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryCounterStore creates an empty MemoryCounterStore
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// WithClock overrides the clock, for tests
func (s *MemoryCounterStore) WithClock(now func() time.Time) *MemoryCounterStore {
	s.now = now
	return s
}

// roll advances the counter's buckets to idx
func (c *memoryCounter) roll(idx int64) {
	switch {
	case idx == c.idx:
	case idx == c.idx+1:
		c.prev, c.curr, c.idx = c.curr, 0, idx
	default:
		c.prev, c.curr, c.idx = 0, 0, idx
	}
}

func (s *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (CounterResult, error) {
	if window < time.Millisecond {
		return CounterResult{}, models.NewValidationError("window", "must be at least 1ms")
	}

	now := s.now()
	idx, elapsed := bucketIndex(now, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || c.window != window {
		c = &memoryCounter{window: window, idx: idx}
		s.counters[key] = c
	}
	c.roll(idx)
	c.curr++

	return CounterResult{
		Count:           slidingEstimate(c.prev, c.curr, elapsed, window),
		WindowRemaining: window - elapsed,
	}, nil
}

func (s *MemoryCounterStore) Peek(_ context.Context, key string) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	idx, elapsed := bucketIndex(now, c.window)
	prev, curr := c.prev, c.curr
	switch {
	case idx == c.idx:
	case idx == c.idx+1:
		prev, curr = c.curr, 0
	default:
		prev, curr = 0, 0
	}
	return slidingEstimate(prev, curr, elapsed, c.window), nil
}

func (s *MemoryCounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// Sweep removes counters whose buckets can no longer contribute to an estimate.
// It returns the number of counters removed.
func (s *MemoryCounterStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.counters {
		idx, _ := bucketIndex(now, c.window)
		if idx >= c.idx+2 {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
