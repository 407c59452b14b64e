package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

const notifySendTimeout = 10 * time.Second

// SESSender is the subset of the SES client used for notifications
type SESSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// NotifyConfig holds configuration for lockout notifications
type NotifyConfig struct {
	FromAddress string
	MinTier     int // Lowest tier that triggers an email
}

// LockoutNotifier emails account owners when their address is blocked.
// Emails are sent in the background so a slow mail API never delays the ledger.
type LockoutNotifier struct {
	NopObserver
	sender SESSender
	config NotifyConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewSESLockoutNotifier creates a notifier backed by AWS SES in region
func NewSESLockoutNotifier(ctx context.Context, region string, cfg NotifyConfig, logger *slog.Logger) (*LockoutNotifier, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewLockoutNotifier(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewLockoutNotifier creates a notifier using sender
func NewLockoutNotifier(sender SESSender, cfg NotifyConfig, logger *slog.Logger) *LockoutNotifier {
	if cfg.MinTier <= 0 {
		cfg.MinTier = 2
	}
	return &LockoutNotifier{sender: sender, config: cfg, logger: logger}
}

// FailureRecorded sends a notification when an email identifier escalates to MinTier or above
func (n *LockoutNotifier) FailureRecorded(ctx context.Context, result *models.FailureResult) {
	if result.Type != models.IdentifierEmail || !result.Escalated || result.Tier < n.config.MinTier || result.BlockedUntil == nil {
		return
	}

	email := result.Identifier
	until := *result.BlockedUntil
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifySendTimeout)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		if err := n.sendLockoutEmail(sendCtx, email, until); err != nil {
			n.logger.Error("failed to send lockout notification",
				slog.String("email", pkglogger.SanitizedEmail(email)),
				slog.Any("error", err))
		}
	}()
}

// Wait blocks until in-flight notifications have finished
func (n *LockoutNotifier) Wait() {
	n.wg.Wait()
}

func (n *LockoutNotifier) sendLockoutEmail(ctx context.Context, email string, until time.Time) error {
	untilText := until.UTC().Format(time.RFC1123)

	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h2>Sign-in temporarily blocked</h2>
    <p>We noticed several failed sign-in attempts for your account.</p>
    <p>Sign-in has been blocked until <strong>%s</strong>.</p>
    <p>If this was you, wait until then and try again. If it was not, consider changing your password once the block ends.</p>
    <p style="color: #666; font-size: 12px;">This is an automated message. Please do not reply to this email.</p>
</body>
</html>
`, untilText)

	textBody := fmt.Sprintf(`Sign-in temporarily blocked

We noticed several failed sign-in attempts for your account.
Sign-in has been blocked until %s.

If this was you, wait until then and try again. If it was not, consider changing your password once the block ends.

This is an automated message. Please do not reply to this email.
`, untilText)

	input := &ses.SendEmailInput{
		Source: aws.String(n.config.FromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Sign-in temporarily blocked"),
			},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody)},
				Text: &types.Content{Data: aws.String(textBody)},
			},
		},
	}

	result, err := n.sender.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("lockout notification sent",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}
