package services_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	mu   sync.Mutex
	sent []*ses.SendEmailInput
	fail error
}

func (f *fakeSES) SendEmail(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.sent = append(f.sent, params)
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func escalation(typ models.IdentifierType, identifier string, tier int) *models.FailureResult {
	until := ledgerEpoch.Add(time.Hour)
	return &models.FailureResult{
		Identifier:   identifier,
		Type:         typ,
		BlockedUntil: &until,
		Tier:         tier,
		Escalated:    true,
	}
}

func TestLockoutNotifier_SendsForEmailAtMinTier(t *testing.T) {
	sender := &fakeSES{}
	n := services.NewLockoutNotifier(sender, services.NotifyConfig{FromAddress: "security@example.com", MinTier: 2}, testLogger())

	n.FailureRecorded(context.Background(), escalation(models.IdentifierEmail, "owner@example.com", 2))
	n.Wait()

	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"owner@example.com"}, sender.sent[0].Destination.ToAddresses)
	assert.Equal(t, "security@example.com", aws.ToString(sender.sent[0].Source))
	assert.Contains(t, aws.ToString(sender.sent[0].Message.Body.Text.Data), "blocked until")
}

func TestLockoutNotifier_SkipsIrrelevantEvents(t *testing.T) {
	sender := &fakeSES{}
	n := services.NewLockoutNotifier(sender, services.NotifyConfig{FromAddress: "security@example.com", MinTier: 2}, testLogger())
	ctx := context.Background()

	n.FailureRecorded(ctx, escalation(models.IdentifierEmail, "owner@example.com", 1))
	n.FailureRecorded(ctx, escalation(models.IdentifierIP, "10.0.0.1", 3))

	notEscalated := escalation(models.IdentifierEmail, "owner@example.com", 3)
	notEscalated.Escalated = false
	n.FailureRecorded(ctx, notEscalated)
	n.Wait()

	assert.Empty(t, sender.sent)
}

func TestLockoutNotifier_SendFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sender := &fakeSES{fail: errors.New("throttled")}
	n := services.NewLockoutNotifier(sender, services.NotifyConfig{FromAddress: "security@example.com"}, logger)

	n.FailureRecorded(context.Background(), escalation(models.IdentifierEmail, "owner@example.com", 3))
	n.Wait()

	assert.Contains(t, buf.String(), "failed to send lockout notification")
	assert.NotContains(t, buf.String(), "owner@example.com", "address is masked in logs")
}
