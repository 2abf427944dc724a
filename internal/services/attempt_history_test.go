package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

func TestAttemptHistory_AppendKeepsTimeOrder(t *testing.T) {
	h := services.NewAttemptHistory(10, time.Hour)

	h.Append(services.NewTestAttempt("10.0.0.1", "a@example.com", t0.Add(2*time.Second)))
	h.Append(services.NewTestAttempt("10.0.0.2", "b@example.com", t0))
	h.Append(services.NewTestAttempt("10.0.0.3", "c@example.com", t0.Add(time.Second)))

	got := h.Since(t0)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.2", got[0].SourceIP)
	assert.Equal(t, "10.0.0.3", got[1].SourceIP)
	assert.Equal(t, "10.0.0.1", got[2].SourceIP)
}

func TestAttemptHistory_DropsOldestBeyondMaxSize(t *testing.T) {
	h := services.NewAttemptHistory(3, time.Hour)
	for i := 0; i < 5; i++ {
		h.Append(services.NewTestAttempt("10.0.0.1", "a@example.com", t0.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, 3, h.Len())
	got := h.Since(time.Time{})
	assert.Equal(t, t0.Add(2*time.Second), got[0].Timestamp)
}

func TestAttemptHistory_SinceAndScan(t *testing.T) {
	h := services.NewAttemptHistory(0, time.Hour)
	for i := 0; i < 10; i++ {
		h.Append(services.NewTestAttempt("10.0.0.1", "a@example.com", t0.Add(time.Duration(i)*time.Minute)))
	}

	assert.Len(t, h.Since(t0.Add(5*time.Minute)), 5)

	seen := 0
	h.Scan(t0.Add(5*time.Minute), func(a *models.Attempt) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen, "scan stops when fn returns false")
}

func TestAttemptHistory_Prune(t *testing.T) {
	h := services.NewAttemptHistory(0, 10*time.Minute)
	for i := 0; i < 20; i++ {
		h.Append(services.NewTestAttempt("10.0.0.1", "a@example.com", t0.Add(time.Duration(i)*time.Minute)))
	}

	removed := h.Prune(t0.Add(20 * time.Minute))
	assert.Equal(t, 10, removed)
	assert.Equal(t, 10, h.Len())
	assert.Equal(t, 0, h.Prune(t0.Add(20*time.Minute)))
}

type countingDropMetrics struct {
	mu      sync.Mutex
	dropped int
}

func (m *countingDropMetrics) IncrementAttemptsDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func TestAttemptWriter_EnqueueDropsWhenFull(t *testing.T) {
	metrics := &countingDropMetrics{}
	w := services.NewAttemptWriter(&services.MockAttemptRepository{}, 2, metrics, newTestLogger())

	assert.True(t, w.Enqueue(services.NewTestAttempt("10.0.0.1", "a@example.com", t0)))
	assert.True(t, w.Enqueue(services.NewTestAttempt("10.0.0.2", "b@example.com", t0)))
	assert.False(t, w.Enqueue(services.NewTestAttempt("10.0.0.3", "c@example.com", t0)))
	assert.Equal(t, 1, metrics.dropped)
}

func TestAttemptWriter_RunFlushesOnShutdown(t *testing.T) {
	var (
		mu     sync.Mutex
		stored []string
	)
	repo := &services.MockAttemptRepository{
		CreateBatchFunc: func(ctx context.Context, attempts []*models.Attempt) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			for _, a := range attempts {
				stored = append(stored, a.SourceIP)
			}
			return int64(len(attempts)), nil
		},
	}
	w := services.NewAttemptWriter(repo, 16, nil, newTestLogger())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.True(t, w.Enqueue(services.NewTestAttempt(ip, "a@example.com", t0)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, stored)
}

type attemptListerFunc func(ctx context.Context, since time.Time, limit int) ([]*models.Attempt, error)

func (f attemptListerFunc) ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Attempt, error) {
	return f(ctx, since, limit)
}

func TestAttemptHistory_Warm(t *testing.T) {
	h := services.NewAttemptHistory(50, 2*time.Hour)

	var gotSince time.Time
	var gotLimit int
	lister := attemptListerFunc(func(ctx context.Context, since time.Time, limit int) ([]*models.Attempt, error) {
		gotSince, gotLimit = since, limit
		return []*models.Attempt{
			services.NewTestAttempt("10.0.0.1", "a@example.com", t0.Add(-time.Hour)),
			services.NewTestAttempt("10.0.0.2", "b@example.com", t0.Add(-time.Minute)),
		}, nil
	})

	n, err := h.Warm(context.Background(), lister, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, t0.Add(-2*time.Hour), gotSince)
	assert.Equal(t, 50, gotLimit)
}

func TestAttemptHistory_WarmError(t *testing.T) {
	h := services.NewAttemptHistory(50, time.Hour)
	lister := attemptListerFunc(func(context.Context, time.Time, int) ([]*models.Attempt, error) {
		return nil, models.ErrDependencyUnavailable
	})

	_, err := h.Warm(context.Background(), lister, t0)
	assert.ErrorIs(t, err, models.ErrDependencyUnavailable)
	assert.Zero(t, h.Len())
}
