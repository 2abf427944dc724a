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

const auditLogColumns = `id, event_type, actor, resource_type, resource_id,
	action, success, failure_reason, ip_address, metadata, created_at`

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var entry models.AuditLog
	if err := row.Scan(
		&entry.ID, &entry.EventType, &entry.Actor, &entry.ResourceType, &entry.ResourceID,
		&entry.Action, &entry.Success, &entry.FailureReason, &entry.IPAddress, &entry.Metadata,
		&entry.CreatedAt,
	); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &entry, nil
}

func collectAuditLog(row pgx.CollectableRow) (*models.AuditLog, error) {
	return scanAuditLogRow(row)
}

// Create appends an entry; id and created_at are assigned by the database
func (r *AuditLogRepository) Create(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error) {
	query := `
		INSERT INTO audit_logs (
			event_type, actor, resource_type, resource_id,
			action, success, failure_reason, ip_address, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + auditLogColumns

	metadata := entry.Metadata
	if metadata == nil {
		metadata = models.AuditMetadata{}
	}

	result, err := scanAuditLogRow(r.pool.QueryRow(ctx, query,
		entry.EventType, entry.Actor, entry.ResourceType, entry.ResourceID,
		entry.Action, entry.Success, entry.FailureReason, entry.IPAddress, metadata,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	return result, nil
}

// ListByTimeRange retrieves audit logs in [from, to), optionally filtered by event type
func (r *AuditLogRepository) ListByTimeRange(ctx context.Context, eventType string, from, to time.Time, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2 AND ($3 = '' OR event_type = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, from, to, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", database.MapPostgresError(err))
	}

	entries, err := pgx.CollectRows(rows, collectAuditLog)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit logs: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan removes audit entries created before cutoff
func (r *AuditLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", database.MapPostgresError(err))
	}

	return result.RowsAffected(), nil
}
