package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

const pendingColumns = `id, email, token_hash, source_ip, attempt_id, needs_review, expires_at, verified_at, created_at`

// PendingRegistrationRepository handles pending registration data access
type PendingRegistrationRepository struct {
	pool *pgxpool.Pool
}

// NewPendingRegistrationRepository creates a new PendingRegistrationRepository
func NewPendingRegistrationRepository(db *database.DB) *PendingRegistrationRepository {
	return &PendingRegistrationRepository{pool: db.Pool}
}

// scanPendingRow handles nullable fields and populates a PendingRegistration model from a database row
func scanPendingRow(row rowScanner) (*models.PendingRegistration, error) {
	var p models.PendingRegistration
	var verifiedAt *time.Time

	err := row.Scan(
		&p.ID, &p.Email, &p.TokenHash, &p.SourceIP, &p.AttemptID,
		&p.NeedsReview, &p.ExpiresAt, &verifiedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	p.VerifiedAt = verifiedAt
	return &p, nil
}

// Create creates a new pending registration
func (r *PendingRegistrationRepository) Create(ctx context.Context, p *models.PendingRegistration) (*models.PendingRegistration, error) {
	query := `
		INSERT INTO pending_registrations (email, token_hash, source_ip, attempt_id, needs_review, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + pendingColumns

	created, err := scanPendingRow(r.pool.QueryRow(ctx, query,
		p.Email, p.TokenHash, p.SourceIP, p.AttemptID, p.NeedsReview, p.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending registration: %w", err)
	}

	return created, nil
}

// GetByTokenHash retrieves a pending registration by its token hash
func (r *PendingRegistrationRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.PendingRegistration, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_registrations WHERE token_hash = $1`

	return scanPendingRow(r.pool.QueryRow(ctx, query, tokenHash))
}

// MarkVerified marks a pending registration as verified.
// A unique index allows only one verified registration per email; a second one yields ErrConflict.
func (r *PendingRegistrationRepository) MarkVerified(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE pending_registrations
		SET verified_at = NOW()
		WHERE id = $1 AND verified_at IS NULL AND expires_at > NOW()
	`, id)
	if err != nil {
		return fmt.Errorf("failed to verify pending registration: %w", database.MapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// IsRegistered reports whether a verified registration exists for email
func (r *PendingRegistrationRepository) IsRegistered(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_registrations WHERE email = $1 AND verified_at IS NOT NULL)
	`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check registration: %w", err)
	}

	return exists, nil
}

// DeleteUnverified removes every pending registration that has not been verified
func (r *PendingRegistrationRepository) DeleteUnverified(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM pending_registrations WHERE verified_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge unverified registrations: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeleteExpired removes unverified registrations whose verification window closed before now
func (r *PendingRegistrationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM pending_registrations
		WHERE verified_at IS NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired registrations: %w", err)
	}

	return result.RowsAffected(), nil
}
