// Package observability wires error reporting to Sentry.
package observability

import (
	"context"
	"time"

	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/getsentry/sentry-go"
)

// InitSentry configures the global Sentry client; an empty dsn leaves reporting disabled
func InitSentry(dsn, environment string, sampleRate float64) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// SentryReporter sends attempt store failures to Sentry. It is the only path store
// outages take to Sentry; the login guard logs its degraded decisions.
type SentryReporter struct {
	services.NopObserver
	hub *sentry.Hub
}

var _ services.LedgerObserver = (*SentryReporter)(nil)

// NewSentryReporter reports through hub, or the current global hub when nil
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) ReportError(_ context.Context, err error, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// StoreFailed reports every failed store operation tagged with the ledger operation
func (r *SentryReporter) StoreFailed(ctx context.Context, op string, err error) {
	r.ReportError(ctx, err, map[string]string{"component": "attempt_store", "op": op})
}
