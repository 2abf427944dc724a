package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
)

// PolicyStore holds the singleton versioned PolicyState.
// CompareAndSwap writes next only if the stored version equals expectedVersion;
// otherwise it returns models.ErrConcurrencyConflict. The stored version becomes
// expectedVersion+1 and, when transition is non-nil, it is recorded atomically with the write.
type PolicyStore interface {
	Get(ctx context.Context) (*models.PolicyState, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.PolicyState, transition *models.PolicyTransition) (*models.PolicyState, error)
	ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error)
}

const policyStateColumns = `mode, entered_at, rollout_percentage, thresholds, version, manual,
	changed_by, reason, last_qualifying_at, updated_at`

// PostgresPolicyStore stores PolicyState in a single-row table and transitions in policy_transitions
type PostgresPolicyStore struct {
	db   *database.DB
	pool *pgxpool.Pool
}

// NewPostgresPolicyStore creates a new PostgresPolicyStore
func NewPostgresPolicyStore(db *database.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db, pool: db.Pool}
}

func scanPolicyStateRow(row rowScanner) (*models.PolicyState, error) {
	var state models.PolicyState
	var mode string
	var thresholds []byte

	err := row.Scan(
		&mode, &state.EnteredAt, &state.RolloutPercentage, &thresholds, &state.Version,
		&state.Manual, &state.ChangedBy, &state.Reason, &state.LastQualifyingAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if err := json.Unmarshal(thresholds, &state.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds: %w", err)
	}

	state.Mode = models.PostureMode(mode)
	return &state, nil
}

// Initialize inserts the initial state if none exists and returns the stored state
func (s *PostgresPolicyStore) Initialize(ctx context.Context, initial *models.PolicyState) (*models.PolicyState, error) {
	thresholds, err := json.Marshal(initial.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode thresholds: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO policy_state (id, mode, entered_at, rollout_percentage, thresholds, version, manual, changed_by, reason, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, string(initial.Mode), initial.EnteredAt, initial.RolloutPercentage, thresholds,
		initial.Version, initial.Manual, initial.ChangedBy, initial.Reason, initial.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy state: %w", err)
	}

	return s.Get(ctx)
}

// Get returns the current PolicyState
func (s *PostgresPolicyStore) Get(ctx context.Context) (*models.PolicyState, error) {
	query := `SELECT ` + policyStateColumns + ` FROM policy_state WHERE id = 1`

	state, err := scanPolicyStateRow(s.pool.QueryRow(ctx, query))
	if err != nil {
		return nil, fmt.Errorf("failed to get policy state: %w", err)
	}

	return state, nil
}

// CompareAndSwap performs the optimistic-concurrency write
func (s *PostgresPolicyStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.PolicyState, transition *models.PolicyTransition) (*models.PolicyState, error) {
	thresholds, err := json.Marshal(next.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode thresholds: %w", err)
	}

	query := `
		UPDATE policy_state
		SET mode = $2, entered_at = $3, rollout_percentage = $4, thresholds = $5,
		    version = version + 1, manual = $6, changed_by = $7, reason = $8,
		    last_qualifying_at = $9, updated_at = $10
		WHERE id = 1 AND version = $1
		RETURNING ` + policyStateColumns

	var state *models.PolicyState
	err = s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		state, err = scanPolicyStateRow(tx.QueryRow(ctx, query,
			expectedVersion, string(next.Mode), next.EnteredAt, next.RolloutPercentage, thresholds,
			next.Manual, next.ChangedBy, next.Reason, next.LastQualifyingAt, next.UpdatedAt,
		))
		if err != nil {
			return err
		}

		if transition == nil {
			return nil
		}
		transition.Version = state.Version
		_, err = tx.Exec(ctx, `
			INSERT INTO policy_transitions (id, from_mode, to_mode, version, trigger_type, operator, reason, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, transition.ID, string(transition.FromMode), string(transition.ToMode), transition.Version,
			string(transition.Trigger), transition.Operator, transition.Reason, transition.OccurredAt)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrConcurrencyConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update policy state: %w", err)
	}

	return state, nil
}

// ListTransitions returns transitions in [from, to), newest first
func (s *PostgresPolicyStore) ListTransitions(ctx context.Context, from, to time.Time, limit int) ([]*models.PolicyTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_mode, to_mode, version, trigger_type, operator, reason, occurred_at
		FROM policy_transitions
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]*models.PolicyTransition, 0)
	for rows.Next() {
		var t models.PolicyTransition
		var fromMode, toMode, trigger string
		if err := rows.Scan(&t.ID, &fromMode, &toMode, &t.Version, &trigger, &t.Operator, &t.Reason, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy transition: %w", err)
		}
		t.FromMode = models.PostureMode(fromMode)
		t.ToMode = models.PostureMode(toMode)
		t.Trigger = models.TransitionTrigger(trigger)
		transitions = append(transitions, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy transition rows: %w", err)
	}

	return transitions, nil
}
