package routes

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/handlers"
	"github.com/BradenHooton/loginguard/internal/middleware"
	"github.com/BradenHooton/loginguard/internal/models"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RateLimits are the request rate limit layers; nil layers are not applied
type RateLimits struct {
	Global *middleware.RateLimitLayer
	Login  *middleware.RateLimitLayer
	API    *middleware.RateLimitLayer
	Strict *middleware.RateLimitLayer
}

// Dependencies are the collaborators the router is assembled from
type Dependencies struct {
	Guard        *handlers.GuardHandler
	Admin        *handlers.AdminHandler
	TokenManager *auth.TokenManager
	Bearer       auth.BearerConfig
	Blocks       middleware.BlockChecker
	BlockGuard   middleware.BlockGuardConfig
	IPConfig     *pkghttp.IPConfig
	RateLimits   RateLimits
	Metrics      http.Handler // Served on /metrics when set
	Logger       *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	if deps.RateLimits.Global != nil {
		router.Use(middleware.GlobalRateLimit(*deps.RateLimits.Global, deps.IPConfig))
	}

	// Public routes - no authentication required
	router.Get("/health", deps.Admin.Health)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics)
	}

	router.Route("/v1", func(r chi.Router) {
		// Blocked callers are turned away before their token is even parsed
		r.Use(middleware.BlockGuard(deps.Blocks, deps.BlockGuard, deps.Logger))
		r.Use(auth.BearerAuth(deps.TokenManager, deps.Bearer))
		if deps.RateLimits.API != nil {
			r.Use(middleware.RateLimitBySubject(*deps.RateLimits.API, deps.IPConfig))
		}

		// Host applications
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleHost))

			r.Post("/failures", deps.Guard.RecordFailure)
			r.Post("/resets", deps.Guard.ResetAttempts)
			r.Get("/blocks/{type}/{identifier}", deps.Guard.GetBlockStatus)
			r.Get("/attempts/{type}/{identifier}", deps.Guard.GetAttempts)

			r.Group(func(r chi.Router) {
				if deps.RateLimits.Login != nil {
					r.Use(middleware.RateLimitByLoginIP(*deps.RateLimits.Login, deps.IPConfig))
				}
				r.Post("/login-events/check", deps.Guard.CheckLogin)
				r.Post("/login-events", deps.Guard.RecordLoginEvent)
			})
		})

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))

			r.Get("/blocks", deps.Admin.ListBlocks)
			r.With(strictLimit(deps)...).Post("/cleanup", deps.Admin.RunCleanup)
		})
	})
}

func strictLimit(deps Dependencies) []func(http.Handler) http.Handler {
	if deps.RateLimits.Strict == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{middleware.RateLimitBySubject(*deps.RateLimits.Strict, deps.IPConfig)}
}
