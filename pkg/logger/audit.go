package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType      string
	IdentifierType string
	Identifier     string // Masked before logging
	Success        bool
	Reason         string
	Metadata       map[string]string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogGuardEvent logs block escalations, resets and rejected login events
func (al *AuditLogger) LogGuardEvent(event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "guard"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.IdentifierType != "" {
		attrs = append(attrs, slog.String("identifier_type", event.IdentifierType))
	}
	if event.Identifier != "" {
		attrs = append(attrs, slog.String("identifier", MaskIdentifier(event.IdentifierType, event.Identifier)))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	if event.Success {
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	} else {
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
	}
}

// LogMaintenance logs maintenance actions such as cleanup sweeps
func (al *AuditLogger) LogMaintenance(eventType, actor string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "maintenance"),
		slog.String("event_type", eventType),
		slog.String("actor", actor),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
}
