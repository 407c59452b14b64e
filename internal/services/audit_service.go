package services

import (
	"context"
	"strconv"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

// AuditService writes ledger events to the audit log
type AuditService struct {
	NopObserver
	audit *pkglogger.AuditLogger
}

// NewAuditService creates a new AuditService
func NewAuditService(audit *pkglogger.AuditLogger) *AuditService {
	return &AuditService{audit: audit}
}

// FailureRecorded audits tier escalations; failures inside a tier are only counted in metrics
func (s *AuditService) FailureRecorded(_ context.Context, result *models.FailureResult) {
	if !result.Escalated {
		return
	}

	metadata := map[string]string{
		"tier":                 strconv.Itoa(result.Tier),
		"consecutive_failures": strconv.FormatUint(uint64(result.ConsecutiveFailures), 10),
	}
	if result.BlockedUntil != nil {
		metadata["blocked_until"] = result.BlockedUntil.UTC().Format(time.RFC3339)
	}

	s.audit.LogGuardEvent(pkglogger.AuditEvent{
		EventType:      "block_escalated",
		IdentifierType: result.Type.String(),
		Identifier:     result.Identifier,
		Success:        false,
		Reason:         "consecutive failure threshold reached",
		Metadata:       metadata,
	})
}

func (s *AuditService) AttemptsReset(_ context.Context, identifier string, typ models.IdentifierType) {
	s.audit.LogGuardEvent(pkglogger.AuditEvent{
		EventType:      "attempts_reset",
		IdentifierType: typ.String(),
		Identifier:     identifier,
		Success:        true,
	})
}

func (s *AuditService) CleanupCompleted(_ context.Context, deleted int64) {
	s.audit.LogMaintenance("cleanup_completed", "system", map[string]string{
		"deleted": strconv.FormatInt(deleted, 10),
	})
}
