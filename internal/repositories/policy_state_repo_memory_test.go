package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

func TestMemoryPolicyStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryPolicyStore(models.DefaultPolicyState(now))

	current, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Version)

	next := *current
	next.Mode = models.ModeElevated
	transition := &models.PolicyTransition{ID: uuid.New(), FromMode: models.ModeNormal, ToMode: models.ModeElevated, OccurredAt: now}

	updated, err := store.CompareAndSwap(ctx, current.Version, &next, transition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, models.ModeElevated, updated.Mode)
	assert.Equal(t, int64(1), transition.Version)

	// stale write is rejected
	stale := *current
	stale.Mode = models.ModeStrict
	_, err = store.CompareAndSwap(ctx, current.Version, &stale, nil)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeElevated, got.Mode)

	transitions, err := store.ListTransitions(ctx, now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, models.ModeElevated, transitions[0].ToMode)
}

func TestMemoryPolicyStore_ConcurrentWritersOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPolicyStore(models.DefaultPolicyState(time.Now()))
	base, err := store.Get(ctx)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := *base
			next.Mode = models.ModeElevated
			if _, err := store.CompareAndSwap(ctx, base.Version, &next, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, _ := store.Get(ctx)
	assert.Equal(t, int64(1), got.Version)
}
