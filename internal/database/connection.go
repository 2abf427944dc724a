package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BradenHooton/gatekeeper/internal/config"
)

// DB owns the Postgres pool backing the policy, blocklist, attempt and audit stores
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewConnection opens the pool and pings it within connectTimeout
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("database connection established",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Name),
		slog.Int("max_conns", int(cfg.MaxConns)))

	return &DB{Pool: pool, logger: logger}, nil
}

const (
	connectTimeout     = 10 * time.Second
	healthCheckTimeout = 2 * time.Second
)

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// HealthCheck pings the pool; it backs the "database" entry of GET /health
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Collector exposes pool statistics to Prometheus
func (db *DB) Collector() prometheus.Collector {
	return &poolCollector{pool: db.Pool}
}

var (
	poolTotalConnsDesc = prometheus.NewDesc("gatekeeper_db_pool_total_conns",
		"Connections currently open in the pool", nil, nil)
	poolIdleConnsDesc = prometheus.NewDesc("gatekeeper_db_pool_idle_conns",
		"Idle connections in the pool", nil, nil)
	poolAcquiredConnsDesc = prometheus.NewDesc("gatekeeper_db_pool_acquired_conns",
		"Connections currently checked out", nil, nil)
	poolAcquireWaitDesc = prometheus.NewDesc("gatekeeper_db_pool_empty_acquire_total",
		"Acquires that had to wait for a connection", nil, nil)
)

type poolCollector struct {
	pool *pgxpool.Pool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolTotalConnsDesc
	ch <- poolIdleConnsDesc
	ch <- poolAcquiredConnsDesc
	ch <- poolAcquireWaitDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(poolTotalConnsDesc, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(poolIdleConnsDesc, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(poolAcquiredConnsDesc, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(poolAcquireWaitDesc, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
}
