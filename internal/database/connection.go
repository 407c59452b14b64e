package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the pgx pool backing the attempt store
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewConnection opens a pgx pool for the attempt store and verifies it with a ping
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "loginguard"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", MapPostgresError(err))
	}

	logger.Info("database connection established",
		slog.String("host", cfg.Host),
		slog.Int("max_conns", int(cfg.MaxConns)),
		slog.Int("min_conns", int(cfg.MinConns)),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// NewFromPool wraps an existing pool, used by tests that manage their own container
func NewFromPool(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{Pool: pool, logger: logger}
}

func (db *DB) Close() {
	db.logStats()
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// HealthCheck pings the pool. Failures are reported as models.ErrStoreUnavailable.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		err = MapPostgresError(err)
		if !errors.Is(err, models.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// logStats records pool usage before the pool is closed
func (db *DB) logStats() {
	stat := db.Pool.Stat()
	db.logger.Info("database pool stats",
		slog.Int("total_conns", int(stat.TotalConns())),
		slog.Int("idle_conns", int(stat.IdleConns())),
		slog.Int64("acquire_count", stat.AcquireCount()),
		slog.Duration("acquire_duration", stat.AcquireDuration()))
}
