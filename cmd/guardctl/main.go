package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/bootstrap"
	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/services"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	a := &app{
		out:        os.Stdout,
		openLedger: openLedger,
		newTokens:  newTokenManager,
		now:        time.Now,
	}

	if err := newRootCmd(a).Execute(); err != nil {
		os.Exit(1)
	}
}

// openLedger connects the configured store and wraps it with the configured policy.
// Maintenance actions are audited like those made through the API.
func openLedger(ctx context.Context) (*services.AttemptLedger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := bootstrap.NewLogger(os.Stderr, cfg.Server.LogLevel)
	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	ledger, err := bootstrap.NewLedger(cfg, store, logger, services.NewAuditService(pkglogger.NewAuditLogger(logger)))
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return ledger, closeStore, nil
}

func newTokenManager() (*auth.TokenManager, time.Duration, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, 0, fmt.Errorf("load configuration: %w", err)
	}
	return auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenIssuer), cfg.Auth.DefaultTokenTTL, nil
}
