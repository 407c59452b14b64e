package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/loginguard/internal/clock"
	"github.com/BradenHooton/loginguard/internal/models"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

// BlockChecker answers whether an identifier is blocked
type BlockChecker interface {
	IsBlocked(ctx context.Context, identifier string, typ models.IdentifierType) (*models.BlockInfo, error)
}

// BlockGuardConfig holds configuration for BlockGuard
type BlockGuardConfig struct {
	IPConfig   *pkghttp.IPConfig
	Clock      clock.Clock
	FailClosed bool // Answer 503 instead of passing through while the store is unreachable
}

// BlockGuard rejects requests from client IPs the ledger currently blocks
func BlockGuard(checker BlockChecker, cfg BlockGuardConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := pkghttp.ExtractClientIP(r, cfg.IPConfig)

			info, err := checker.IsBlocked(r.Context(), ip, models.IdentifierIP)
			switch {
			case errors.Is(err, models.ErrStoreUnavailable):
				logger.Warn("block check unavailable",
					slog.String("ip", pkglogger.SanitizedIP(ip)),
					slog.Bool("fail_closed", cfg.FailClosed),
					slog.Any("error", err))
				if cfg.FailClosed {
					pkghttp.WriteServiceUnavailable(w, "unable to verify client status")
					return
				}
			case err != nil:
				// Unparseable peer addresses cannot be keyed; leave them to the rate limiter
				logger.Debug("block check skipped", slog.Any("error", err))
			case info != nil:
				pkghttp.WriteBlocked(w, info.Reason, info.BlockedUntil, cfg.Clock.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
