package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const attemptColumns = `id, attempted_at, source_ip, email, outcome, reason, suspicion_score, fingerprint_id`

// AttemptRepository persists registration attempts
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository
func NewAttemptRepository(db *database.DB) *AttemptRepository {
	return &AttemptRepository{pool: db.Pool}
}

func scanAttemptRow(row rowScanner) (*models.Attempt, error) {
	var a models.Attempt
	var outcome string

	err := row.Scan(
		&a.ID, &a.Timestamp, &a.SourceIP, &a.Email, &outcome,
		&a.Reason, &a.SuspicionScore, &a.FingerprintID,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	a.Outcome = models.AttemptOutcome(outcome)
	return &a, nil
}

func scanAttemptRows(rows pgx.Rows) ([]*models.Attempt, error) {
	defer rows.Close()

	attempts := make([]*models.Attempt, 0)

	for rows.Next() {
		a, err := scanAttemptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}

	return attempts, nil
}

// CreateBatch appends attempts using COPY. Attempts are immutable; there is no update path.
func (r *AttemptRepository) CreateBatch(ctx context.Context, attempts []*models.Attempt) (int64, error) {
	if len(attempts) == 0 {
		return 0, nil
	}

	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"registration_attempts"},
		[]string{"id", "attempted_at", "source_ip", "email", "outcome", "reason", "suspicion_score", "fingerprint_id"},
		pgx.CopyFromSlice(len(attempts), func(i int) ([]any, error) {
			a := attempts[i]
			return []any{a.ID, a.Timestamp, a.SourceIP, a.Email, string(a.Outcome), a.Reason, a.SuspicionScore, a.FingerprintID}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attempts: %w", err)
	}

	return n, nil
}

// ListSince returns the newest limit attempts at or after since, oldest first
func (r *AttemptRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Attempt, error) {
	query := `
		SELECT ` + attemptColumns + ` FROM (
			SELECT ` + attemptColumns + `
			FROM registration_attempts
			WHERE attempted_at >= $1
			ORDER BY attempted_at DESC
			LIMIT $2
		) recent
		ORDER BY attempted_at ASC
	`

	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}

	return scanAttemptRows(rows)
}

// Stats aggregates attempts in [from, to)
func (r *AttemptRepository) Stats(ctx context.Context, from, to time.Time) (*models.AttemptStats, error) {
	stats := &models.AttemptStats{
		ByOutcome: make(map[string]int64),
		ByReason:  make(map[string]int64),
	}

	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT source_ip), COUNT(DISTINCT email)
		FROM registration_attempts
		WHERE attempted_at >= $1 AND attempted_at < $2
	`, from, to).Scan(&stats.Total, &stats.UniqueIPs, &stats.UniqueMail)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT outcome, reason, COUNT(*)
		FROM registration_attempts
		WHERE attempted_at >= $1 AND attempted_at < $2
		GROUP BY outcome, reason
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to group attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome, reason string
		var count int64
		if err := rows.Scan(&outcome, &reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan attempt stats: %w", err)
		}
		stats.ByOutcome[outcome] += count
		if reason != "" {
			stats.ByReason[reason] += count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt stats: %w", err)
	}

	return stats, nil
}

// DeleteOlderThan removes attempts recorded before cutoff
func (r *AttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM registration_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old attempts: %w", err)
	}

	return result.RowsAffected(), nil
}
