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

const blockEntryColumns = `id, subject, subject_type, reason, created_by, created_at, expires_at`

// BlockEntryRepository handles block entry data access
type BlockEntryRepository struct {
	pool *pgxpool.Pool
}

// NewBlockEntryRepository creates a new BlockEntryRepository
func NewBlockEntryRepository(db *database.DB) *BlockEntryRepository {
	return &BlockEntryRepository{pool: db.Pool}
}

func scanBlockEntryRow(row rowScanner) (*models.BlockEntry, error) {
	var entry models.BlockEntry
	var subjectType string
	var expiresAt *time.Time

	err := row.Scan(
		&entry.ID, &entry.Subject, &subjectType, &entry.Reason,
		&entry.CreatedBy, &entry.CreatedAt, &expiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	entry.SubjectType = models.BlockSubjectType(subjectType)
	entry.ExpiresAt = expiresAt
	return &entry, nil
}

func scanBlockEntryRows(rows pgx.Rows) ([]*models.BlockEntry, error) {
	defer rows.Close()

	entries := make([]*models.BlockEntry, 0)

	for rows.Next() {
		entry, err := scanBlockEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block entry rows: %w", err)
	}

	return entries, nil
}

// Upsert inserts a block entry or replaces the existing entry for the same subject
func (r *BlockEntryRepository) Upsert(ctx context.Context, entry *models.BlockEntry) (*models.BlockEntry, error) {
	query := `
		INSERT INTO block_entries (subject, subject_type, reason, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject) DO UPDATE
		SET subject_type = EXCLUDED.subject_type,
		    reason = EXCLUDED.reason,
		    created_by = EXCLUDED.created_by,
		    created_at = NOW(),
		    expires_at = EXCLUDED.expires_at
		RETURNING ` + blockEntryColumns

	result, err := scanBlockEntryRow(r.pool.QueryRow(ctx, query,
		entry.Subject, string(entry.SubjectType), entry.Reason, entry.CreatedBy, entry.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert block entry: %w", err)
	}

	return result, nil
}

// GetBySubject retrieves a block entry by its normalized subject
func (r *BlockEntryRepository) GetBySubject(ctx context.Context, subject string) (*models.BlockEntry, error) {
	query := `SELECT ` + blockEntryColumns + ` FROM block_entries WHERE subject = $1`

	return scanBlockEntryRow(r.pool.QueryRow(ctx, query, subject))
}

// ListActive returns all entries that are permanent or not yet expired at now
func (r *BlockEntryRepository) ListActive(ctx context.Context, now time.Time) ([]*models.BlockEntry, error) {
	query := `
		SELECT ` + blockEntryColumns + `
		FROM block_entries
		WHERE expires_at IS NULL OR expires_at > $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query block entries: %w", err)
	}

	return scanBlockEntryRows(rows)
}

// Delete removes the entry for subject
func (r *BlockEntryRepository) Delete(ctx context.Context, subject string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM block_entries WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("failed to delete block entry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// DeleteExpired removes entries that expired before now
func (r *BlockEntryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM block_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired block entries: %w", err)
	}

	return result.RowsAffected(), nil
}
