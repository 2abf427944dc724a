//go:build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/background"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

func TestPolicyStore_CompareAndSwap(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)

	initial, err := SeedPolicyState(ctx, testDB.DB)
	require.NoError(t, err)
	assert.Equal(t, models.ModeNormal, initial.Mode)

	// Initialize is idempotent
	again, err := SeedPolicyState(ctx, testDB.DB)
	require.NoError(t, err)
	assert.Equal(t, initial.Version, again.Version)

	now := time.Now().UTC().Truncate(time.Microsecond)
	next := *initial
	next.Mode = models.ModeElevated
	next.EnteredAt = now
	transition := &models.PolicyTransition{
		ID:         uuid.New(),
		FromMode:   models.ModeNormal,
		ToMode:     models.ModeElevated,
		Trigger:    models.TriggerAutomatic,
		Reason:     "global rate exceeded",
		OccurredAt: now,
	}

	stored, err := repos.Policy.CompareAndSwap(ctx, initial.Version, &next, transition)
	require.NoError(t, err)
	assert.Equal(t, initial.Version+1, stored.Version)
	assert.Equal(t, models.ModeElevated, stored.Mode)
	assert.Equal(t, initial.Thresholds, stored.Thresholds)

	// A stale writer loses
	_, err = repos.Policy.CompareAndSwap(ctx, initial.Version, &next, nil)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	transitions, err := repos.Policy.ListTransitions(ctx, now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, stored.Version, transitions[0].Version)
	assert.Equal(t, models.TriggerAutomatic, transitions[0].Trigger)
}

func TestBlockEntryRepository(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)

	_, err := SeedBlockEntry(ctx, testDB.DB, "203.0.113.9", models.BlockSubjectIP, 0)
	require.NoError(t, err)
	_, err = SeedBlockEntry(ctx, testDB.DB, "198.51.100.0/24", models.BlockSubjectSubnet, time.Hour)
	require.NoError(t, err)
	_, err = SeedBlockEntry(ctx, testDB.DB, "spam.example", models.BlockSubjectDomain, -time.Minute)
	require.NoError(t, err)

	active, err := repos.Blocks.ListActive(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Upsert replaces the existing entry
	replaced, err := SeedBlockEntry(ctx, testDB.DB, "203.0.113.9", models.BlockSubjectIP, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, replaced.IsPermanent())

	stored, err := repos.Blocks.GetBySubject(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, replaced.ExpiresAt.Unix(), stored.ExpiresAt.Unix())
	_, err = repos.Blocks.GetBySubject(ctx, "192.0.2.200")
	assert.ErrorIs(t, err, models.ErrNotFound)

	n, err := repos.Blocks.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repos.Blocks.Delete(ctx, "203.0.113.9"))
	assert.ErrorIs(t, repos.Blocks.Delete(ctx, "203.0.113.9"), models.ErrNotFound)
}

func TestAttemptRepository_BatchAndStats(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)

	now := time.Now().UTC()
	attempts := []*models.Attempt{
		{ID: uuid.New(), Timestamp: now, SourceIP: "203.0.113.1", Email: "a@example.com", Outcome: models.AttemptAllowed},
		{ID: uuid.New(), Timestamp: now, SourceIP: "203.0.113.1", Email: "b@example.com", Outcome: models.AttemptBlocked, Reason: models.ReasonRateLimitExceeded},
		{ID: uuid.New(), Timestamp: now, SourceIP: "203.0.113.2", Email: "b@example.com", Outcome: models.AttemptChallenged, Reason: models.ReasonCaptchaRequired},
		{ID: uuid.New(), Timestamp: now.Add(-48 * time.Hour), SourceIP: "203.0.113.3", Email: "old@example.com", Outcome: models.AttemptAllowed},
	}

	n, err := repos.Attempts.CreateBatch(ctx, attempts)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	stats, err := repos.Attempts.Stats(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.UniqueIPs)
	assert.Equal(t, int64(2), stats.UniqueMail)
	assert.Equal(t, int64(1), stats.ByOutcome["blocked"])
	assert.Equal(t, int64(1), stats.ByReason[models.ReasonCaptchaRequired])

	recent, err := repos.Attempts.ListSince(ctx, now.Add(-time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.False(t, recent[1].Timestamp.Before(recent[0].Timestamp), "oldest first")

	deleted, err := repos.Attempts.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestAttackPatternRepository(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)

	now := time.Now().UTC().Truncate(time.Microsecond)
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	require.NoError(t, repos.Patterns.Create(ctx, &models.AttackPattern{
		ID:                     uuid.New(),
		Type:                   models.PatternEnumeration,
		Confidence:             0.75,
		Subject:                "user@example.com",
		UniqueSources:          3,
		WindowStart:            now.Add(-15 * time.Minute),
		WindowEnd:              now,
		DetectedAt:             now,
		ContributingAttemptIDs: ids,
	}))

	patterns, err := repos.Patterns.ListByTimeRange(ctx, now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, models.PatternEnumeration, patterns[0].Type)
	assert.ElementsMatch(t, ids, patterns[0].ContributingAttemptIDs)

	n, err := repos.Patterns.DeleteOlderThan(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPendingRegistrationRepository_OneVerifiedPerEmail(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)
	email := TestEmail("dup")

	first, _, err := SeedPendingRegistration(ctx, testDB.DB, email, time.Hour)
	require.NoError(t, err)
	second, _, err := SeedPendingRegistration(ctx, testDB.DB, email, time.Hour)
	require.NoError(t, err)

	require.NoError(t, repos.Pending.MarkVerified(ctx, first.ID.String()))
	assert.ErrorIs(t, repos.Pending.MarkVerified(ctx, second.ID.String()), models.ErrConflict)

	registered, err := repos.Pending.IsRegistered(ctx, email)
	require.NoError(t, err)
	assert.True(t, registered)

	expired, _, err := SeedPendingRegistration(ctx, testDB.DB, TestEmail("late"), -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, repos.Pending.MarkVerified(ctx, expired.ID.String()), models.ErrNotFound)

	n, err := repos.Pending.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repos.Pending.DeleteUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the unverified duplicate remains to purge")
}

func TestAuditLogRepository(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)

	resourceType := models.AuditResourceTypeBlockEntry
	subject := "203.0.113.9"
	_, err := repos.Audit.Create(ctx, &models.AuditLog{
		EventType:    models.AuditEventTypeBlock,
		Actor:        "alice",
		ResourceType: &resourceType,
		ResourceID:   &subject,
		Action:       models.AuditActionCreate,
		Success:      true,
		Metadata:     models.AuditMetadata{"permanent": true},
	})
	require.NoError(t, err)
	_, err = repos.Audit.Create(ctx, &models.AuditLog{
		EventType: models.AuditEventTypePurge,
		Actor:     "alice",
		Action:    models.AuditActionDelete,
		Success:   true,
	})
	require.NoError(t, err)

	now := time.Now()
	logs, err := repos.Audit.ListByTimeRange(ctx, models.AuditEventTypeBlock, now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].Actor)
	assert.Equal(t, true, logs[0].Metadata["permanent"])

	all, err := repos.Audit.ListByTimeRange(ctx, "", now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	removed, err := repos.Audit.DeleteOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = repos.Audit.DeleteOlderThan(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestSweepManager_PurgesAuditLogs(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	repos := InitializeRepositories(testDB.DB)

	_, err := repos.Audit.Create(ctx, &models.AuditLog{
		EventType: models.AuditEventTypePurge,
		Actor:     "alice",
		Action:    models.AuditActionDelete,
		Success:   true,
	})
	require.NoError(t, err)

	retention := time.Hour
	later := time.Now().Add(2 * retention)
	sweeper := background.NewSweepManager(background.SweepDeps{
		Attempts: repos.Attempts,
		Audit:    repos.Audit,
	}, background.SweepConfig{
		Interval:         time.Hour,
		AttemptRetention: retention,
		AuditRetention:   retention,
	}, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(func() time.Time { return later })

	sweeper.RunOnce(ctx)

	remaining, err := repos.Audit.ListByTimeRange(ctx, "", later.Add(-24*time.Hour), later, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
