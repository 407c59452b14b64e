package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BradenHooton/loginguard/internal/models"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

// GuardConfig holds configuration for the login guard
type GuardConfig struct {
	// FailClosed denies logins while the attempt store is unreachable.
	// The default (false) lets logins through; the outage itself reaches
	// the ledger's observers.
	FailClosed bool
	// Checks is optional and sees every decision made by Check
	Checks CheckRecorder
}

// CheckRecorder observes login guard decisions
type CheckRecorder interface {
	GuardChecked(result *CheckResult)
}

// CheckResult is the guard's decision for one login attempt
type CheckResult struct {
	Allowed     bool                  `json:"allowed"`
	BlockedType models.IdentifierType `json:"blocked_type,omitempty"`
	Block       *models.BlockInfo     `json:"block,omitempty"`
	Degraded    bool                  `json:"degraded"` // Decided without the store
}

// OutcomeResult reports the ledger state after a login outcome was recorded
type OutcomeResult struct {
	IP       *models.FailureResult `json:"ip,omitempty"`
	Email    *models.FailureResult `json:"email,omitempty"`
	Degraded bool                  `json:"degraded"`
}

// LoginGuardService combines the IP and email ledgers in front of a login form.
// The IP is checked first so a blocked source is rejected without revealing
// anything about the submitted account.
type LoginGuardService struct {
	ledger *AttemptLedger
	config GuardConfig
	logger *slog.Logger
}

// NewLoginGuardService creates a new LoginGuardService
func NewLoginGuardService(ledger *AttemptLedger, config GuardConfig, logger *slog.Logger) *LoginGuardService {
	return &LoginGuardService{
		ledger: ledger,
		config: config,
		logger: logger,
	}
}

// Check reports whether a login from ip for email may proceed. email may be empty.
func (s *LoginGuardService) Check(ctx context.Context, ip, email string) (*CheckResult, error) {
	result, err := s.check(ctx, ip, email)
	if err == nil && s.config.Checks != nil {
		s.config.Checks.GuardChecked(result)
	}
	return result, err
}

func (s *LoginGuardService) check(ctx context.Context, ip, email string) (*CheckResult, error) {
	targets, err := s.targets(ip, email)
	if err != nil {
		return nil, err
	}

	for _, target := range targets {
		info, err := s.ledger.IsBlocked(ctx, target.identifier, target.typ)
		if err != nil {
			if !errors.Is(err, models.ErrStoreUnavailable) {
				return nil, err
			}
			s.degraded("check", err)
			return &CheckResult{Allowed: !s.config.FailClosed, Degraded: true}, nil
		}

		if info != nil {
			s.logger.Info("login attempt rejected",
				slog.String("type", target.typ.String()),
				slog.String("identifier", pkglogger.MaskIdentifier(target.typ.String(), target.identifier)),
				slog.Time("blocked_until", info.BlockedUntil))
			return &CheckResult{Allowed: false, BlockedType: target.typ, Block: info}, nil
		}
	}

	return &CheckResult{Allowed: true}, nil
}

// RecordOutcome records a failed login against ip and email, or resets both after a success.
// In fail-closed mode a store outage is returned as models.ErrStoreUnavailable.
func (s *LoginGuardService) RecordOutcome(ctx context.Context, ip, email string, success bool) (*OutcomeResult, error) {
	targets, err := s.targets(ip, email)
	if err != nil {
		return nil, err
	}

	result := &OutcomeResult{}
	for _, target := range targets {
		if success {
			err = s.ledger.ResetAttempts(ctx, target.identifier, target.typ)
		} else {
			var res *models.FailureResult
			res, err = s.ledger.RecordFailure(ctx, target.identifier, target.typ)
			if err == nil {
				if target.typ == models.IdentifierIP {
					result.IP = res
				} else {
					result.Email = res
				}
			}
		}

		if err != nil {
			if !errors.Is(err, models.ErrStoreUnavailable) || s.config.FailClosed {
				return nil, err
			}
			s.degraded("record_outcome", err)
			result.Degraded = true
		}
	}

	return result, nil
}

type guardTarget struct {
	identifier string
	typ        models.IdentifierType
}

// targets validates every identifier before any of them touches the store
func (s *LoginGuardService) targets(ip, email string) ([]guardTarget, error) {
	normalizedIP, err := s.ledger.NormalizeIdentifier(ip, models.IdentifierIP)
	if err != nil {
		return nil, err
	}
	targets := []guardTarget{{normalizedIP, models.IdentifierIP}}

	if email != "" {
		normalizedEmail, err := s.ledger.NormalizeIdentifier(email, models.IdentifierEmail)
		if err != nil {
			return nil, err
		}
		targets = append(targets, guardTarget{normalizedEmail, models.IdentifierEmail})
	}
	return targets, nil
}

func (s *LoginGuardService) degraded(op string, err error) {
	mode := "fail_open"
	if s.config.FailClosed {
		mode = "fail_closed"
	}
	s.logger.Warn("attempt store unavailable, applying degraded mode",
		slog.String("op", op),
		slog.String("mode", mode),
		slog.Any("error", err))
}
