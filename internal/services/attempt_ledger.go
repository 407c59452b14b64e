package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/BradenHooton/loginguard/internal/clock"
	"github.com/BradenHooton/loginguard/internal/models"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
	"github.com/go-playground/validator/v10"
)

// maxIdentifierLength bounds identifiers; 320 is the longest valid email address
const maxIdentifierLength = 320

// UpdateFunc receives the current record (nil when absent) and returns the record to persist.
// Stores may call it more than once when an optimistic write has to be retried.
type UpdateFunc func(prior *models.AttemptRecord) (*models.AttemptRecord, error)

// AttemptStore defines the persistence operations the ledger needs
type AttemptStore interface {
	Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error)
	// Update applies fn to the record atomically with respect to other writers of the same key
	Update(ctx context.Context, identifier string, typ models.IdentifierType, fn UpdateFunc) (*models.AttemptRecord, error)
	// Reset clears consecutive failures and the block; absent records are left absent
	Reset(ctx context.Context, identifier string, typ models.IdentifierType, now time.Time) error
	// DeleteStale removes records idle since before cutoff that are not blocked at now
	DeleteStale(ctx context.Context, cutoff, now time.Time, includeExpired bool) (int64, error)
	ListBlocked(ctx context.Context, now time.Time) ([]*models.AttemptRecord, error)
	DeleteAll(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// LedgerObserver receives ledger events after they have been persisted
type LedgerObserver interface {
	FailureRecorded(ctx context.Context, result *models.FailureResult)
	AttemptsReset(ctx context.Context, identifier string, typ models.IdentifierType)
	CleanupCompleted(ctx context.Context, deleted int64)
	StoreFailed(ctx context.Context, op string, err error)
}

// NopObserver implements LedgerObserver with no-ops; embed it to handle a subset of events
type NopObserver struct{}

func (NopObserver) FailureRecorded(context.Context, *models.FailureResult)       {}
func (NopObserver) AttemptsReset(context.Context, string, models.IdentifierType) {}
func (NopObserver) CleanupCompleted(context.Context, int64)                      {}
func (NopObserver) StoreFailed(context.Context, string, error)                   {}

// LedgerConfig holds ledger behaviour that is not part of the block policy
type LedgerConfig struct {
	StoreTimeout         time.Duration // Per-call deadline for point operations
	SweepTimeout         time.Duration // Deadline for cleanup, listing and purge
	RetentionDays        int           // Default cleanup retention
	IncludeExpiredBlocks bool          // Let cleanup sweep records whose block has expired
}

// DefaultLedgerConfig returns a 2s store timeout, a 30s sweep timeout and 30 days retention
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		StoreTimeout:  2 * time.Second,
		SweepTimeout:  30 * time.Second,
		RetentionDays: 30,
	}
}

// AttemptLedger records authentication failures per identifier and answers block queries
type AttemptLedger struct {
	store     AttemptStore
	policy    *BlockPolicy
	clock     clock.Clock
	config    LedgerConfig
	logger    *slog.Logger
	observers []LedgerObserver
	validate  *validator.Validate
}

// NewAttemptLedger creates a new AttemptLedger
func NewAttemptLedger(store AttemptStore, policy *BlockPolicy, clk clock.Clock, config LedgerConfig, logger *slog.Logger, observers ...LedgerObserver) *AttemptLedger {
	if clk == nil {
		clk = clock.Real{}
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultLedgerConfig().RetentionDays
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = DefaultLedgerConfig().SweepTimeout
	}
	return &AttemptLedger{
		store:     store,
		policy:    policy,
		clock:     clk,
		config:    config,
		logger:    logger,
		observers: observers,
		validate:  validator.New(),
	}
}

// Policy returns the block policy used by the ledger
func (l *AttemptLedger) Policy() *BlockPolicy {
	return l.policy
}

// Get returns the record for an identifier, or models.ErrNotFound
func (l *AttemptLedger) Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error) {
	identifier, err := l.normalize(identifier, typ)
	if err != nil {
		return nil, err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rec, err := l.store.Get(ctx, identifier, typ)
	if err != nil {
		return nil, l.storeError(ctx, "get", err)
	}
	return rec, nil
}

// RecordFailure counts one failed authentication and returns the resulting block state
func (l *AttemptLedger) RecordFailure(ctx context.Context, identifier string, typ models.IdentifierType) (*models.FailureResult, error) {
	identifier, err := l.normalize(identifier, typ)
	if err != nil {
		return nil, err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	now := l.clock.Now()
	var decision Decision

	rec, err := l.store.Update(ctx, identifier, typ, func(prior *models.AttemptRecord) (*models.AttemptRecord, error) {
		d, err := l.policy.Evaluate(typ, prior, now)
		if err != nil {
			return nil, err
		}
		decision = d

		next := prior
		if next == nil {
			next = &models.AttemptRecord{Identifier: identifier, Type: typ, CreatedAt: now}
		}
		next.FailedAttempts = d.FailedAttempts
		next.ConsecutiveFailures = d.ConsecutiveFailures
		next.BlockedUntil = d.BlockedUntil
		next.LastAttempt = now
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidType) {
			return nil, err
		}
		return nil, l.storeError(ctx, "record_failure", err)
	}

	result := &models.FailureResult{
		Identifier:          rec.Identifier,
		Type:                rec.Type,
		FailedAttempts:      rec.FailedAttempts,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		BlockedUntil:        rec.BlockedUntil,
		RemainingAttempts:   decision.RemainingAttempts,
		Tier:                decision.Tier,
		Escalated:           decision.Escalated,
	}

	if result.Escalated {
		l.logger.Warn("identifier blocked",
			slog.String("type", typ.String()),
			slog.String("identifier", pkglogger.MaskIdentifier(typ.String(), identifier)),
			slog.Int("tier", result.Tier),
			slog.Int("consecutive_failures", int(result.ConsecutiveFailures)),
			slog.Time("blocked_until", *result.BlockedUntil))
	}

	for _, o := range l.observers {
		o.FailureRecorded(ctx, result)
	}

	return result, nil
}

// ResetAttempts clears consecutive failures and any block after a successful authentication.
// Identifiers without a record are left untouched.
func (l *AttemptLedger) ResetAttempts(ctx context.Context, identifier string, typ models.IdentifierType) error {
	identifier, err := l.normalize(identifier, typ)
	if err != nil {
		return err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.store.Reset(ctx, identifier, typ, l.clock.Now()); err != nil {
		return l.storeError(ctx, "reset", err)
	}

	for _, o := range l.observers {
		o.AttemptsReset(ctx, identifier, typ)
	}
	return nil
}

// IsBlocked returns the active block for an identifier, or nil when it may proceed
func (l *AttemptLedger) IsBlocked(ctx context.Context, identifier string, typ models.IdentifierType) (*models.BlockInfo, error) {
	identifier, err := l.normalize(identifier, typ)
	if err != nil {
		return nil, err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rec, err := l.store.Get(ctx, identifier, typ)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, l.storeError(ctx, "is_blocked", err)
	}

	if !rec.IsBlockedAt(l.clock.Now()) {
		return nil, nil
	}

	until := *rec.BlockedUntil
	return &models.BlockInfo{
		Blocked:      true,
		BlockedUntil: until,
		Reason:       fmt.Sprintf("Too many failed login attempts. Access blocked until %s", until.Format(time.RFC1123)),
	}, nil
}

// Cleanup deletes records idle for more than retentionDays that are not currently blocked.
// A non-positive retentionDays uses the configured default.
func (l *AttemptLedger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = l.config.RetentionDays
	}

	now := l.clock.Now()
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	sweepCtx, cancel := context.WithTimeout(ctx, l.config.SweepTimeout)
	defer cancel()

	deleted, err := l.store.DeleteStale(sweepCtx, cutoff, now, l.config.IncludeExpiredBlocks)
	if err != nil {
		return 0, l.storeError(ctx, "cleanup", err)
	}

	l.logger.Info("cleaned up old login attempt records",
		slog.Int64("deleted", deleted),
		slog.Int("retention_days", retentionDays))

	for _, o := range l.observers {
		o.CleanupCompleted(ctx, deleted)
	}
	return deleted, nil
}

// ListBlocked returns every record whose block is still active
func (l *AttemptLedger) ListBlocked(ctx context.Context) ([]*models.AttemptRecord, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, l.config.SweepTimeout)
	defer cancel()

	records, err := l.store.ListBlocked(sweepCtx, l.clock.Now())
	if err != nil {
		return nil, l.storeError(ctx, "list_blocked", err)
	}
	return records, nil
}

// PurgeAll deletes every record, lifting all blocks
func (l *AttemptLedger) PurgeAll(ctx context.Context) (int64, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, l.config.SweepTimeout)
	defer cancel()

	deleted, err := l.store.DeleteAll(sweepCtx)
	if err != nil {
		return 0, l.storeError(ctx, "purge", err)
	}
	l.logger.Warn("purged all login attempt records", slog.Int64("deleted", deleted))
	return deleted, nil
}

// HealthCheck verifies the store is reachable
func (l *AttemptLedger) HealthCheck(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

// NormalizeIdentifier validates an identifier for its type and returns its canonical form
func (l *AttemptLedger) NormalizeIdentifier(identifier string, typ models.IdentifierType) (string, error) {
	return l.normalize(identifier, typ)
}

func (l *AttemptLedger) normalize(identifier string, typ models.IdentifierType) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || len(identifier) > maxIdentifierLength {
		return "", models.ErrInvalidIdentifier
	}

	switch typ {
	case models.IdentifierIP:
		addr, err := netip.ParseAddr(identifier)
		if err != nil {
			return "", fmt.Errorf("%w: not an IP address", models.ErrInvalidIdentifier)
		}
		return addr.Unmap().WithZone("").String(), nil
	case models.IdentifierEmail:
		if err := l.validate.Var(identifier, "email"); err != nil {
			return "", fmt.Errorf("%w: not an email address", models.ErrInvalidIdentifier)
		}
		return strings.ToLower(identifier), nil
	default:
		return "", fmt.Errorf("%w: %d", models.ErrInvalidType, uint8(typ))
	}
}

func (l *AttemptLedger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.config.StoreTimeout)
}

// storeError passes ErrNotFound through and wraps everything else as ErrStoreUnavailable
func (l *AttemptLedger) storeError(ctx context.Context, op string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return err
	}

	l.logger.Error("attempt store operation failed",
		slog.String("op", op),
		slog.Any("error", err))

	for _, o := range l.observers {
		o.StoreFailed(ctx, op, err)
	}

	if errors.Is(err, models.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, op, err)
}
