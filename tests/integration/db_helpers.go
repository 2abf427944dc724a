package integration

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/pkg/auth"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("gatekeeper"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         &database.DB{Pool: pool},
	}, nil
}

// runMigrations executes all goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	goose.SetLogger(log.New(nil, "", 0))

	// Goose needs a database/sql handle
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation. The policy row is
// removed too; callers that need it call SeedPolicyState.
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"registration_attempts",
		"block_entries",
		"policy_transitions",
		"policy_state",
		"attack_patterns",
		"pending_registrations",
		"audit_logs",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// Repositories bundles the Postgres-backed stores
type Repositories struct {
	Attempts *repositories.AttemptRepository
	Blocks   *repositories.BlockEntryRepository
	Patterns *repositories.AttackPatternRepository
	Pending  *repositories.PendingRegistrationRepository
	Audit    *repositories.AuditLogRepository
	Policy   *repositories.PostgresPolicyStore
}

// InitializeRepositories creates all repository instances from database wrapper
func InitializeRepositories(db *database.DB) Repositories {
	return Repositories{
		Attempts: repositories.NewAttemptRepository(db),
		Blocks:   repositories.NewBlockEntryRepository(db),
		Patterns: repositories.NewAttackPatternRepository(db),
		Pending:  repositories.NewPendingRegistrationRepository(db),
		Audit:    repositories.NewAuditLogRepository(db),
		Policy:   repositories.NewPostgresPolicyStore(db),
	}
}

// SeedPolicyState writes the default policy row
func SeedPolicyState(ctx context.Context, db *database.DB) (*models.PolicyState, error) {
	initial := models.DefaultPolicyState(time.Now())
	return repositories.NewPostgresPolicyStore(db).Initialize(ctx, &initial)
}

// SeedBlockEntry inserts a block. A zero ttl makes it permanent.
func SeedBlockEntry(ctx context.Context, db *database.DB, subject string, subjectType models.BlockSubjectType, ttl time.Duration) (*models.BlockEntry, error) {
	entry := &models.BlockEntry{
		Subject:     subject,
		SubjectType: subjectType,
		Reason:      "seeded",
		CreatedBy:   models.SystemActor,
	}
	if ttl != 0 {
		expires := time.Now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	return repositories.NewBlockEntryRepository(db).Upsert(ctx, entry)
}

// SeedPendingRegistration creates a pending registration expiring after ttl and
// returns it with its plain verification token. A negative ttl seeds an expired one.
func SeedPendingRegistration(ctx context.Context, db *database.DB, email string, ttl time.Duration) (*models.PendingRegistration, string, error) {
	plain, hash, err := auth.GenerateToken()
	if err != nil {
		return nil, "", err
	}

	pending, err := repositories.NewPendingRegistrationRepository(db).Create(ctx, &models.PendingRegistration{
		Email:     email,
		TokenHash: hash,
		SourceIP:  "203.0.113.10",
		AttemptID: uuid.New(),
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert pending registration: %w", err)
	}

	return pending, plain, nil
}
