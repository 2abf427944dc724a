package repositories

import (
	"context"
	"math"
	"time"
)

// CounterResult is the sliding-window estimate after an increment
type CounterResult struct {
	Count           int64
	WindowRemaining time.Duration
}

// CounterStore is the shared, atomic, TTL-based counter store backing rate limiting.
// Implementations must return an error wrapping models.ErrDependencyUnavailable
// when the backing store cannot be reached.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (CounterResult, error)
	Peek(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// slidingEstimate weights the previous bucket by the unelapsed fraction of the
// current one: prev*(1-elapsed/window) + curr, rounded up.
func slidingEstimate(prev, curr int64, elapsed, window time.Duration) int64 {
	if window <= 0 {
		return curr
	}
	frac := float64(elapsed) / float64(window)
	if frac > 1 {
		frac = 1
	}
	return int64(math.Ceil(float64(prev)*(1-frac))) + curr
}

// bucketIndex returns the fixed-window index containing now and the time elapsed within it
func bucketIndex(now time.Time, window time.Duration) (int64, time.Duration) {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	idx := ms / w
	return idx, time.Duration(ms-idx*w) * time.Millisecond
}
