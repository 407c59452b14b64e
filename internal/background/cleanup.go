package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner removes old attempt records
type Cleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// CleanupConfig controls the cleanup schedule
type CleanupConfig struct {
	Schedule      string        // Standard cron expression or descriptor such as "@every 1h"
	Timeout       time.Duration // Per run
	RetentionDays int           // 0 uses the ledger default
}

// CleanupManager periodically sweeps idle, unblocked attempt records
type CleanupManager struct {
	cleaner  Cleaner
	config   CleanupConfig
	schedule cron.Schedule
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager, rejecting unparseable schedules
func NewCleanupManager(cleaner Cleaner, config CleanupConfig, logger *slog.Logger) (*CleanupManager, error) {
	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", config.Schedule, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &CleanupManager{
		cleaner:  cleaner,
		config:   config,
		schedule: schedule,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs a sweep immediately, then on schedule until ctx is cancelled or Stop is called.
// It blocks, so callers usually run it in its own goroutine.
func (cm *CleanupManager) Start(ctx context.Context) {
	defer close(cm.doneCh)

	// Run immediately on startup
	cm.RunOnce(ctx)

	c := cron.New(
		cron.WithLogger(cronLogger{cm.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{cm.logger})),
	)
	c.Schedule(cm.schedule, cron.FuncJob(func() { cm.RunOnce(ctx) }))
	c.Start()

	select {
	case <-cm.stopCh:
		cm.logger.Info("cleanup manager stopped")
	case <-ctx.Done():
		cm.logger.Info("cleanup manager context cancelled")
	}

	// Wait for a sweep in progress
	<-c.Stop().Done()
}

// RunOnce performs a single sweep bounded by the configured timeout
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, cm.config.Timeout)
	defer cancel()

	start := time.Now()
	deleted, err := cm.cleaner.Cleanup(runCtx, cm.config.RetentionDays)
	if err != nil {
		cm.logger.Error("login attempt cleanup failed", slog.Any("error", err))
		return
	}

	cm.logger.Debug("login attempt cleanup finished",
		slog.Int64("deleted", deleted),
		slog.Duration("duration", time.Since(start)))
}

// Stop signals the cleanup manager to stop. Done reports when it has.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

// Done is closed once Start has returned
func (cm *CleanupManager) Done() <-chan struct{} {
	return cm.doneCh
}

// cronLogger adapts slog to cron's logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
