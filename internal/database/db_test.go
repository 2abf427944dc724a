package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), models.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, models.ErrConflict},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, models.ErrConcurrencyConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, models.ErrConcurrencyConflict},
		{"check violation", &pgconn.PgError{Code: "23514", Message: "bad mode"}, models.ErrBadRequest},
		{"query canceled", &pgconn.PgError{Code: "57014"}, models.ErrDependencyUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, models.ErrDependencyUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapPostgresError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
		})
	}
}

func TestMapPostgresError_UnknownPassesThrough(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42P01"}
	assert.Same(t, pgErr, MapPostgresError(pgErr))

	plain := errors.New("boom")
	assert.Equal(t, plain, MapPostgresError(plain))
}

func TestMapPostgresError_DeadlineIsUnavailable(t *testing.T) {
	err := fmt.Errorf("query policy state: %w", context.DeadlineExceeded)
	assert.True(t, errors.Is(MapPostgresError(err), models.ErrDependencyUnavailable))
}
