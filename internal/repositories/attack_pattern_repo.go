package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// AttackPatternRepository retains detected patterns for audit and reporting
type AttackPatternRepository struct {
	pool *pgxpool.Pool
}

// NewAttackPatternRepository creates a new AttackPatternRepository
func NewAttackPatternRepository(db *database.DB) *AttackPatternRepository {
	return &AttackPatternRepository{pool: db.Pool}
}

func scanAttackPatternRow(row rowScanner) (*models.AttackPattern, error) {
	var p models.AttackPattern
	var patternType string
	var ids []string

	err := row.Scan(
		&p.ID, &patternType, &p.Confidence, &p.Subject, &p.UniqueSources,
		&p.WindowStart, &p.WindowEnd, &p.DetectedAt, &ids,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	p.Type = models.PatternType(patternType)
	p.ContributingAttemptIDs = make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		p.ContributingAttemptIDs = append(p.ContributingAttemptIDs, parsed)
	}

	return &p, nil
}

// Create stores a detected pattern
func (r *AttackPatternRepository) Create(ctx context.Context, p *models.AttackPattern) error {
	ids := make([]string, len(p.ContributingAttemptIDs))
	for i, id := range p.ContributingAttemptIDs {
		ids[i] = id.String()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO attack_patterns (
			id, pattern_type, confidence, subject, unique_sources,
			window_start, window_end, detected_at, contributing_attempt_ids
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, string(p.Type), p.Confidence, p.Subject, p.UniqueSources,
		p.WindowStart, p.WindowEnd, p.DetectedAt, ids)
	if err != nil {
		return fmt.Errorf("failed to create attack pattern: %w", err)
	}

	return nil
}

// ListByTimeRange returns patterns detected in [from, to), newest first
func (r *AttackPatternRepository) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, pattern_type, confidence, subject, unique_sources,
		       window_start, window_end, detected_at, contributing_attempt_ids
		FROM attack_patterns
		WHERE detected_at >= $1 AND detected_at < $2
		ORDER BY detected_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attack patterns: %w", err)
	}
	defer rows.Close()

	patterns := make([]*models.AttackPattern, 0)
	for rows.Next() {
		p, err := scanAttackPatternRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attack pattern: %w", err)
		}
		patterns = append(patterns, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attack pattern rows: %w", err)
	}

	return patterns, nil
}

// DeleteOlderThan removes patterns detected before cutoff
func (r *AttackPatternRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM attack_patterns WHERE detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old attack patterns: %w", err)
	}

	return result.RowsAffected(), nil
}
