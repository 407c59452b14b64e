package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/loginguard/internal/models"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for storing service token claims in context
	ClaimsContextKey contextKey = "service_claims"
)

// FailureRecorder counts a failed authentication against an identifier
type FailureRecorder interface {
	RecordFailure(ctx context.Context, identifier string, typ models.IdentifierType) (*models.FailureResult, error)
}

// BearerConfig holds the collaborators of the bearer token middleware
type BearerConfig struct {
	// Failures is optional; rejected tokens count against the client IP
	Failures FailureRecorder
	IPConfig *pkghttp.IPConfig
	// Timing is optional; it evens out response time of rejections
	Timing *TimingDelay
	Logger *slog.Logger
}

// BearerAuth validates service tokens and injects their claims into context
func BearerAuth(tm *TokenManager, cfg BearerConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				reject(w, r, cfg, "missing authorization header")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				reject(w, r, cfg, "invalid authorization header format")
				return
			}

			claims, err := tm.Validate(tokenString)
			if err != nil {
				reject(w, r, cfg, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// reject records the failure against the caller's IP before answering 401
func reject(w http.ResponseWriter, r *http.Request, cfg BearerConfig, message string) {
	if cfg.Failures != nil {
		ip := pkghttp.ExtractClientIP(r, cfg.IPConfig)
		result, err := cfg.Failures.RecordFailure(r.Context(), ip, models.IdentifierIP)
		if err != nil && cfg.Logger != nil {
			cfg.Logger.Warn("failed to record rejected token",
				slog.String("ip", pkglogger.SanitizedIP(ip)),
				slog.Any("error", err))
		}
		if result != nil && result.Escalated && cfg.Logger != nil {
			cfg.Logger.Warn("client blocked after rejected tokens",
				slog.String("ip", pkglogger.SanitizedIP(ip)),
				slog.Int("tier", result.Tier))
		}
	}

	if cfg.Timing != nil {
		cfg.Timing.Wait()
	}
	pkghttp.WriteUnauthorized(w, message)
}

// RequireRole enforces that the token in context grants role
func RequireRole(role models.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			if !claims.Role.Allows(role) {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaimsFromContext extracts service token claims from request context
func GetClaimsFromContext(r *http.Request) *models.ServiceClaims {
	claims, ok := r.Context().Value(ClaimsContextKey).(*models.ServiceClaims)
	if !ok {
		return nil
	}
	return claims
}
