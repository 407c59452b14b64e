// Package bootstrap builds the attempt ledger and its store from configuration.
// It is shared by the API server and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BradenHooton/loginguard/internal/clock"
	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/repositories"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/redis/go-redis/v9"
)

// NewLogger returns a JSON logger writing to w at the configured level
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// OpenStore connects the configured attempt store. The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.AttemptStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		if cfg.Database.AutoMigrate {
			if err := database.RunMigrations(ctx, cfg.Database.DSN(), logger); err != nil {
				return nil, nil, err
			}
		}
		db, err := database.NewConnection(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		return repositories.NewLoginAttemptRepository(db), db.Close, nil

	case config.StoreDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("redis connection established", slog.String("addr", cfg.Redis.Addr))
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", slog.Any("error", err))
			}
		}
		return repositories.NewRedisAttemptRepository(client, cfg.Redis.KeyPrefix), closeFn, nil

	case config.StoreDriverMemory:
		logger.Warn("using in-memory attempt store; records are lost on restart and not shared between instances")
		return repositories.NewMemoryAttemptRepository(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// PolicyConfig maps the guard settings onto a block policy configuration
func PolicyConfig(g config.GuardConfig) services.PolicyConfig {
	thresholds := func(t [3]int) services.TierThresholds {
		return services.TierThresholds{First: toUint(t[0]), Second: toUint(t[1]), Third: toUint(t[2])}
	}
	return services.PolicyConfig{
		IPThresholds:    thresholds(g.IPThresholds),
		EmailThresholds: thresholds(g.EmailThresholds),
		Durations: services.TierDurations{
			First:  g.BlockDurations[0],
			Second: g.BlockDurations[1],
			Third:  g.BlockDurations[2],
		},
		StalenessWindow: g.StalenessWindow,
	}
}

// LedgerConfig maps the guard settings onto ledger options
func LedgerConfig(g config.GuardConfig) services.LedgerConfig {
	return services.LedgerConfig{
		StoreTimeout:         g.StoreTimeout,
		SweepTimeout:         g.SweepTimeout,
		RetentionDays:        g.RetentionDays,
		IncludeExpiredBlocks: g.IncludeExpiredBlocks,
	}
}

// NewLedger builds the attempt ledger over store with the real clock
func NewLedger(cfg *config.Config, store services.AttemptStore, logger *slog.Logger, observers ...services.LedgerObserver) (*services.AttemptLedger, error) {
	policy, err := services.NewBlockPolicy(PolicyConfig(cfg.Guard))
	if err != nil {
		return nil, err
	}
	return services.NewAttemptLedger(store, policy, clock.Real{}, LedgerConfig(cfg.Guard), logger, observers...), nil
}

// toUint maps negative values to 0 so that policy validation rejects them
func toUint(n int) uint {
	if n < 0 {
		return 0
	}
	return uint(n)
}
