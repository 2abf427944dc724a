package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// MapPostgresError translates driver errors into the domain error sentinels.
// Errors with no domain meaning pass through unchanged.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return models.ErrConflict
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return models.ErrConcurrencyConflict
		case "23503", "23502", "23514", "22P02": // fk, not null, check, invalid text representation
			return fmt.Errorf("%w: %s", models.ErrBadRequest, pgErr.Message)
		case "57014", "57P01", "53300": // query_canceled, admin_shutdown, too_many_connections
			return fmt.Errorf("%w: %v", models.ErrDependencyUnavailable, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", models.ErrDependencyUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", models.ErrDependencyUnavailable, err)
	}

	return err
}

// WithTransaction runs fn in a transaction, committing when fn returns nil.
// The returned error has been through MapPostgresError.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTxOptions(ctx, pgx.TxOptions{}, fn)
}

// WithTxOptions is WithTransaction with explicit isolation and access mode
func (db *DB) WithTxOptions(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return MapPostgresError(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			err = MapPostgresError(err)
			return
		}
		err = MapPostgresError(tx.Commit(ctx))
	}()

	return fn(tx)
}
