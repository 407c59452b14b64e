package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/background"
	"github.com/BradenHooton/loginguard/internal/bootstrap"
	"github.com/BradenHooton/loginguard/internal/clock"
	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/handlers"
	"github.com/BradenHooton/loginguard/internal/metrics"
	middlewareCustom "github.com/BradenHooton/loginguard/internal/middleware"
	"github.com/BradenHooton/loginguard/internal/observability"
	"github.com/BradenHooton/loginguard/internal/routes"
	"github.com/BradenHooton/loginguard/internal/services"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = bootstrap.NewLogger(os.Stdout, cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store", cfg.Store.Driver))

	if err := observability.InitSentry(cfg.Observability.SentryDSN, cfg.Server.Env, cfg.Observability.SentrySampleRate); err != nil {
		logger.Error("failed to initialize sentry", slog.Any("error", err))
		os.Exit(1)
	}
	defer observability.FlushSentry()

	// Initialize attempt store
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, closeStore, err := bootstrap.OpenStore(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Error("failed to open attempt store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	// Ledger observers
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)
	observers := []services.LedgerObserver{
		collector,
		services.NewAuditService(pkglogger.NewAuditLogger(logger)),
		observability.NewSentryReporter(nil),
	}

	var notifier *services.LockoutNotifier
	if cfg.Notify.FromAddress != "" {
		notifier, err = services.NewSESLockoutNotifier(context.Background(), cfg.Notify.AWSRegion, services.NotifyConfig{
			FromAddress: cfg.Notify.FromAddress,
			MinTier:     cfg.Notify.MinTier,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize lockout notifier", slog.Any("error", err))
			os.Exit(1)
		}
		observers = append(observers, notifier)
	}

	ledger, err := bootstrap.NewLedger(cfg, store, logger, observers...)
	if err != nil {
		logger.Error("failed to build attempt ledger", slog.Any("error", err))
		os.Exit(1)
	}

	guard := services.NewLoginGuardService(ledger, services.GuardConfig{
		FailClosed: cfg.Guard.FailClosed,
		Checks:     collector,
	}, logger)

	// Initialize cleanup manager
	cleanupManager, err := background.NewCleanupManager(ledger, background.CleanupConfig{
		Schedule:      cfg.Guard.CleanupSchedule,
		Timeout:       cfg.Guard.CleanupTimeout,
		RetentionDays: cfg.Guard.RetentionDays,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize cleanup manager", slog.Any("error", err))
		os.Exit(1)
	}

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenIssuer)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	deps := routes.Dependencies{
		Guard:        handlers.NewGuardHandler(ledger, guard, clock.Real{}, logger),
		Admin:        handlers.NewAdminHandler(ledger, logger),
		TokenManager: tokenManager,
		Bearer: auth.BearerConfig{
			Failures: ledger,
			IPConfig: ipConfig,
			Timing:   auth.NewTimingDelay(cfg.Auth.RejectDelay, cfg.Auth.RejectJitter),
			Logger:   logger,
		},
		Blocks:     ledger,
		BlockGuard: middlewareCustom.BlockGuardConfig{IPConfig: ipConfig, FailClosed: cfg.Guard.FailClosed},
		IPConfig:   ipConfig,
		Logger:     logger,
	}
	if cfg.RateLimit.Enabled {
		deps.RateLimits = rateLimits(cfg.RateLimit)
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}

	// Register routes
	routes.RegisterRoutes(router, deps)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	select {
	case <-cleanupManager.Done():
	case <-shutdownCtx.Done():
		logger.Warn("cleanup still running at shutdown deadline")
	}

	if notifier != nil {
		notifier.Wait()
	}

	logger.Info("server stopped gracefully")
}

func rateLimits(rl config.RateLimitConfig) routes.RateLimits {
	return routes.RateLimits{
		Global: &middlewareCustom.RateLimitLayer{Name: "global", Requests: rl.GlobalRequests, Window: rl.GlobalWindow},
		Login:  &middlewareCustom.RateLimitLayer{Name: "login", Requests: rl.LoginRequests, Window: rl.LoginWindow},
		API:    &middlewareCustom.RateLimitLayer{Name: "api", Requests: rl.APIRequests, Window: rl.APIWindow},
		Strict: &middlewareCustom.RateLimitLayer{Name: "strict", Requests: rl.StrictRequests, Window: rl.StrictWindow},
	}
}
