package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

// memoryBlockRepo is a map-backed BlockEntryRepository
type memoryBlockRepo struct {
	mu      sync.Mutex
	entries map[string]*models.BlockEntry
}

func newMemoryBlockRepo(entries ...*models.BlockEntry) *memoryBlockRepo {
	r := &memoryBlockRepo{entries: make(map[string]*models.BlockEntry)}
	for _, e := range entries {
		r.entries[e.Subject] = e
	}
	return r
}

func (r *memoryBlockRepo) Upsert(ctx context.Context, entry *models.BlockEntry) (*models.BlockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := *entry
	r.entries[saved.Subject] = &saved
	return &saved, nil
}

func (r *memoryBlockRepo) ListActive(ctx context.Context, now time.Time) ([]*models.BlockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.BlockEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.IsExpired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryBlockRepo) Delete(ctx context.Context, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[subject]; !ok {
		return models.ErrNotFound
	}
	delete(r.entries, subject)
	return nil
}

func (r *memoryBlockRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.entries {
		if e.IsExpired(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

type recordingInvalidator struct {
	subjects []string
}

func (r *recordingInvalidator) Invalidate(subject string) int {
	r.subjects = append(r.subjects, subject)
	return 0
}

func newBlocklist(repo services.BlockEntryRepository, now *time.Time) (*services.BlocklistService, *recordingInvalidator) {
	inv := &recordingInvalidator{}
	svc := services.NewBlocklistService(repo, inv, services.NewDisposableDomains(nil), false, newTestLogger()).
		WithClock(func() time.Time { return *now })
	return svc, inv
}

func TestBlocklistService_Block_IPAndSubnet(t *testing.T) {
	now := t0
	svc, inv := newBlocklist(newMemoryBlockRepo(), &now)
	ctx := context.Background()

	entry, err := svc.Block(ctx, " 203.0.113.7 ", 0, "abuse", "alice")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", entry.Subject)
	assert.Equal(t, models.BlockSubjectIP, entry.SubjectType)
	assert.True(t, entry.IsPermanent())

	_, err = svc.Block(ctx, "198.51.100.17/24", time.Hour, "botnet", "alice")
	require.NoError(t, err)

	match := svc.Match("203.0.113.7", "a@example.com")
	require.NotNil(t, match)
	assert.Equal(t, models.ReasonIPBlocked, match.Reason)

	match = svc.Match("198.51.100.200", "a@example.com")
	require.NotNil(t, match)
	assert.Equal(t, "198.51.100.0/24", match.Entry.Subject)

	assert.Nil(t, svc.Match("192.0.2.1", "a@example.com"))
	assert.Equal(t, []string{"203.0.113.7", "198.51.100.0/24"}, inv.subjects)
}

func TestBlocklistService_Block_ExpiresAfterDuration(t *testing.T) {
	now := t0
	svc, _ := newBlocklist(newMemoryBlockRepo(), &now)

	_, err := svc.Block(context.Background(), "203.0.113.7", 10*time.Minute, "", "alice")
	require.NoError(t, err)
	require.NotNil(t, svc.Match("203.0.113.7", ""))

	now = t0.Add(10 * time.Minute)
	assert.Nil(t, svc.Match("203.0.113.7", ""), "expired blocks no longer match")
}

func TestBlocklistService_Block_ReplacesExistingEntry(t *testing.T) {
	now := t0
	repo := newMemoryBlockRepo()
	svc, _ := newBlocklist(repo, &now)
	ctx := context.Background()

	_, err := svc.Block(ctx, "10.0.0.0/8", time.Minute, "first", "alice")
	require.NoError(t, err)
	_, err = svc.Block(ctx, "10.0.0.0/8", 0, "second", "bob")
	require.NoError(t, err)

	assert.Equal(t, 1, svc.Size())
	now = t0.Add(time.Hour)
	match := svc.Match("10.1.2.3", "")
	require.NotNil(t, match)
	assert.Equal(t, "second", match.Entry.Reason)
}

func TestBlocklistService_Block_InvalidSubject(t *testing.T) {
	now := t0
	svc, _ := newBlocklist(newMemoryBlockRepo(), &now)

	for _, subject := range []string{"", "localhost", "bad subject.com", "10.0.0.0/99"} {
		_, err := svc.Block(context.Background(), subject, 0, "", "alice")
		assert.True(t, models.IsValidationError(err), "subject %q", subject)
	}

	_, err := svc.Block(context.Background(), "203.0.113.1", -time.Minute, "", "alice")
	assert.True(t, models.IsValidationError(err))
}

func TestBlocklistService_BlockDomain(t *testing.T) {
	now := t0
	svc, _ := newBlocklist(newMemoryBlockRepo(), &now)
	ctx := context.Background()

	_, err := svc.BlockDomain(ctx, "@Spam.Example", "spam", "alice")
	require.NoError(t, err)

	match := svc.Match("192.0.2.1", "someone@spam.example")
	require.NotNil(t, match)
	assert.Equal(t, models.ReasonDomainBlocked, match.Reason)

	match = svc.Match("192.0.2.1", "someone@mail.spam.example")
	assert.NotNil(t, match, "subdomains match through their registrable domain")

	assert.Nil(t, svc.Match("192.0.2.1", "someone@notspam.example"))

	_, err = svc.BlockDomain(ctx, "203.0.113.1", "", "alice")
	assert.True(t, models.IsValidationError(err))
}

func TestBlocklistService_Match_IPCheckedBeforeDomain(t *testing.T) {
	now := t0
	svc, _ := newBlocklist(newMemoryBlockRepo(), &now)
	ctx := context.Background()
	_, err := svc.BlockDomain(ctx, "spam.example", "", "alice")
	require.NoError(t, err)
	_, err = svc.Block(ctx, "203.0.113.1", 0, "", "alice")
	require.NoError(t, err)

	match := svc.Match("203.0.113.1", "x@spam.example")
	require.NotNil(t, match)
	assert.Equal(t, models.ReasonIPBlocked, match.Reason)
}

func TestBlocklistService_Match_DisposableDomains(t *testing.T) {
	now := t0
	svc := services.NewBlocklistService(newMemoryBlockRepo(), nil, services.NewDisposableDomains(nil), true, newTestLogger()).
		WithClock(func() time.Time { return now })

	match := svc.Match("192.0.2.1", "temp@mailinator.com")
	require.NotNil(t, match)
	assert.Equal(t, models.ReasonDomainBlocked, match.Reason)
	assert.Equal(t, models.SystemActor, match.Entry.CreatedBy)

	assert.Nil(t, svc.Match("192.0.2.1", "real@example.com"))
}

func TestBlocklistService_Unblock(t *testing.T) {
	now := t0
	svc, inv := newBlocklist(newMemoryBlockRepo(), &now)
	ctx := context.Background()

	_, err := svc.Block(ctx, "203.0.113.7", 0, "", "alice")
	require.NoError(t, err)

	require.NoError(t, svc.Unblock(ctx, "203.0.113.7", "bob"))
	assert.Nil(t, svc.Match("203.0.113.7", ""))
	assert.Contains(t, inv.subjects, "203.0.113.7")

	err = svc.Unblock(ctx, "203.0.113.7", "bob")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestBlocklistService_Refresh_LoadsFromRepository(t *testing.T) {
	now := t0
	expired := t0.Add(-time.Minute)
	repo := newMemoryBlockRepo(
		&models.BlockEntry{Subject: "203.0.113.7", SubjectType: models.BlockSubjectIP},
		&models.BlockEntry{Subject: "10.0.0.0/8", SubjectType: models.BlockSubjectSubnet},
		&models.BlockEntry{Subject: "old.example", SubjectType: models.BlockSubjectDomain, ExpiresAt: &expired},
	)
	svc, _ := newBlocklist(repo, &now)

	assert.Nil(t, svc.Match("203.0.113.7", ""), "snapshot starts empty")
	require.NoError(t, svc.Refresh(context.Background()))

	assert.Equal(t, 2, svc.Size())
	assert.NotNil(t, svc.Match("203.0.113.7", ""))
	assert.NotNil(t, svc.Match("10.9.9.9", ""))
	assert.Nil(t, svc.Match("192.0.2.1", "a@old.example"))
}

func TestBlocklistService_Refresh_RepositoryError(t *testing.T) {
	now := t0
	repo := &services.MockBlockEntryRepository{
		ListActiveFunc: func(ctx context.Context, now time.Time) ([]*models.BlockEntry, error) {
			return nil, models.ErrDependencyUnavailable
		},
	}
	svc, _ := newBlocklist(repo, &now)

	err := svc.Refresh(context.Background())
	assert.True(t, errors.Is(err, models.ErrDependencyUnavailable))
}

func TestBlocklistService_SweepExpired(t *testing.T) {
	now := t0
	repo := newMemoryBlockRepo()
	svc, _ := newBlocklist(repo, &now)
	ctx := context.Background()

	_, err := svc.Block(ctx, "203.0.113.7", time.Minute, "", "alice")
	require.NoError(t, err)
	_, err = svc.Block(ctx, "203.0.113.8", 0, "", "alice")
	require.NoError(t, err)

	now = t0.Add(2 * time.Minute)
	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, svc.Size())

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "203.0.113.8", entries[0].Subject)
}
