package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/loginguard/internal/clock"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/repositories"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ledgerEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T, store services.AttemptStore, cfg services.LedgerConfig, observers ...services.LedgerObserver) (*services.AttemptLedger, *clock.Fake) {
	t.Helper()
	return newTestLedgerWithPolicy(t, store, services.DefaultPolicyConfig(), cfg, observers...)
}

func newTestLedgerWithPolicy(t *testing.T, store services.AttemptStore, pc services.PolicyConfig, cfg services.LedgerConfig, observers ...services.LedgerObserver) (*services.AttemptLedger, *clock.Fake) {
	t.Helper()
	policy, err := services.NewBlockPolicy(pc)
	require.NoError(t, err)
	clk := clock.NewFake(ledgerEpoch)
	return services.NewAttemptLedger(store, policy, clk, cfg, testLogger(), observers...), clk
}

func TestAttemptLedger_ProgressiveBlockingForIP(t *testing.T) {
	ledger, clk := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()
	ip := "10.0.0.5"

	var results []*models.FailureResult
	for i := 0; i < 8; i++ {
		clk.Advance(time.Second)
		res, err := ledger.RecordFailure(ctx, ip, models.IdentifierIP)
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Nil(t, results[0].BlockedUntil)
	assert.Nil(t, results[1].BlockedUntil)
	assert.Equal(t, 2, results[0].RemainingAttempts)
	assert.Equal(t, 1, results[1].RemainingAttempts)

	third := ledgerEpoch.Add(3 * time.Second)
	require.NotNil(t, results[2].BlockedUntil)
	assert.Equal(t, third.Add(15*time.Minute), *results[2].BlockedUntil)
	assert.True(t, results[2].Escalated)
	assert.Equal(t, 1, results[2].Tier)
	assert.Equal(t, 0, results[2].RemainingAttempts)

	// Still tier 1: the existing block is carried, not extended
	assert.Equal(t, *results[2].BlockedUntil, *results[3].BlockedUntil)
	assert.False(t, results[3].Escalated)
	assert.Equal(t, -1, results[3].RemainingAttempts)
	assert.Equal(t, 0, results[3].DisplayRemaining())

	fifth := ledgerEpoch.Add(5 * time.Second)
	assert.Equal(t, fifth.Add(time.Hour), *results[4].BlockedUntil)
	assert.Equal(t, 2, results[4].Tier)

	eighth := ledgerEpoch.Add(8 * time.Second)
	assert.Equal(t, eighth.Add(24*time.Hour), *results[7].BlockedUntil)
	assert.Equal(t, 3, results[7].Tier)
	assert.Equal(t, uint(8), results[7].ConsecutiveFailures)
	assert.Equal(t, uint(8), results[7].FailedAttempts)

	info, err := ledger.IsBlocked(ctx, ip, models.IdentifierIP)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.Blocked)
	assert.Equal(t, eighth.Add(24*time.Hour), info.BlockedUntil)
	assert.Contains(t, info.Reason, "Too many failed login attempts")
}

func TestAttemptLedger_BlockExpires(t *testing.T) {
	ledger, clk := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.RecordFailure(ctx, "192.168.1.20", models.IdentifierIP)
		require.NoError(t, err)
	}

	info, err := ledger.IsBlocked(ctx, "192.168.1.20", models.IdentifierIP)
	require.NoError(t, err)
	require.NotNil(t, info)

	clk.Advance(15 * time.Minute)
	info, err = ledger.IsBlocked(ctx, "192.168.1.20", models.IdentifierIP)
	require.NoError(t, err)
	assert.Nil(t, info, "block ending exactly now is no longer active")
}

func TestAttemptLedger_ResetAfterSuccess(t *testing.T) {
	store := repositories.NewMemoryAttemptRepository()
	observer := &services.RecordingObserver{}
	ledger, _ := newTestLedger(t, store, services.DefaultLedgerConfig(), observer)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.RecordFailure(ctx, "Admin@Test.com", models.IdentifierEmail)
		require.NoError(t, err)
	}

	info, err := ledger.IsBlocked(ctx, "admin@test.com", models.IdentifierEmail)
	require.NoError(t, err)
	require.NotNil(t, info)

	require.NoError(t, ledger.ResetAttempts(ctx, "admin@test.com", models.IdentifierEmail))

	info, err = ledger.IsBlocked(ctx, "admin@test.com", models.IdentifierEmail)
	require.NoError(t, err)
	assert.Nil(t, info)

	rec, err := ledger.Get(ctx, "admin@test.com", models.IdentifierEmail)
	require.NoError(t, err)
	assert.Equal(t, uint(0), rec.ConsecutiveFailures)
	assert.Equal(t, uint(5), rec.FailedAttempts, "lifetime total survives a reset")
	assert.Nil(t, rec.BlockedUntil)

	assert.Equal(t, []string{"email:admin@test.com"}, observer.Resets)
	assert.Len(t, observer.Failures, 5)
}

func TestAttemptLedger_ResetIsIdempotent(t *testing.T) {
	ledger, _ := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	_, err := ledger.RecordFailure(ctx, "10.1.1.1", models.IdentifierIP)
	require.NoError(t, err)

	require.NoError(t, ledger.ResetAttempts(ctx, "10.1.1.1", models.IdentifierIP))
	first, err := ledger.Get(ctx, "10.1.1.1", models.IdentifierIP)
	require.NoError(t, err)

	require.NoError(t, ledger.ResetAttempts(ctx, "10.1.1.1", models.IdentifierIP))
	second, err := ledger.Get(ctx, "10.1.1.1", models.IdentifierIP)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAttemptLedger_ResetUnknownIdentifierCreatesNothing(t *testing.T) {
	ledger, _ := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	require.NoError(t, ledger.ResetAttempts(ctx, "nobody@example.com", models.IdentifierEmail))

	_, err := ledger.Get(ctx, "nobody@example.com", models.IdentifierEmail)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAttemptLedger_StaleHistoryStartsOver(t *testing.T) {
	ledger, clk := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ledger.RecordFailure(ctx, "user@example.com", models.IdentifierEmail)
		require.NoError(t, err)
	}

	clk.Advance(24*time.Hour + time.Second)

	res, err := ledger.RecordFailure(ctx, "user@example.com", models.IdentifierEmail)
	require.NoError(t, err)
	assert.Equal(t, uint(1), res.ConsecutiveFailures)
	assert.Equal(t, uint(3), res.FailedAttempts)
	assert.Nil(t, res.BlockedUntil)
}

func TestAttemptLedger_UnknownIdentifierIsNotBlocked(t *testing.T) {
	ledger, _ := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())

	info, err := ledger.IsBlocked(context.Background(), "203.0.113.7", models.IdentifierIP)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestAttemptLedger_TypesAreIndependent(t *testing.T) {
	ledger, _ := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.RecordFailure(ctx, "victim@example.com", models.IdentifierEmail)
		require.NoError(t, err)
	}

	info, err := ledger.IsBlocked(ctx, "victim@example.com", models.IdentifierEmail)
	require.NoError(t, err)
	assert.NotNil(t, info)

	_, err = ledger.Get(ctx, "10.0.0.5", models.IdentifierIP)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAttemptLedger_ConcurrentFailuresAreNotLost(t *testing.T) {
	observer := &services.RecordingObserver{}
	ledger, _ := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig(), observer)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.RecordFailure(ctx, "10.9.9.9", models.IdentifierIP)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := ledger.Get(ctx, "10.9.9.9", models.IdentifierIP)
	require.NoError(t, err)
	assert.Equal(t, uint(20), rec.ConsecutiveFailures)
	assert.Equal(t, uint(20), rec.FailedAttempts)
	require.NotNil(t, rec.BlockedUntil)
	assert.Equal(t, ledgerEpoch.Add(24*time.Hour), *rec.BlockedUntil)

	escalations := 0
	for _, f := range observer.Failures {
		if f.Escalated {
			escalations++
		}
	}
	assert.Equal(t, 3, escalations, "one escalation per tier")
}

func TestAttemptLedger_CleanupKeepsActiveBlocks(t *testing.T) {
	pc := services.DefaultPolicyConfig()
	pc.Durations.Third = 72 * time.Hour
	store := repositories.NewMemoryAttemptRepository()
	observer := &services.RecordingObserver{}
	ledger, clk := newTestLedgerWithPolicy(t, store, pc, services.DefaultLedgerConfig(), observer)
	ctx := context.Background()

	_, err := ledger.RecordFailure(ctx, "10.0.0.1", models.IdentifierIP)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := ledger.RecordFailure(ctx, "10.0.0.2", models.IdentifierIP)
		require.NoError(t, err)
	}

	clk.Advance(48 * time.Hour)
	_, err = ledger.RecordFailure(ctx, "10.0.0.3", models.IdentifierIP)
	require.NoError(t, err)

	deleted, err := ledger.Cleanup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = ledger.Get(ctx, "10.0.0.1", models.IdentifierIP)
	assert.ErrorIs(t, err, models.ErrNotFound, "idle unblocked record is removed")

	_, err = ledger.Get(ctx, "10.0.0.2", models.IdentifierIP)
	assert.NoError(t, err, "record with an active block is never removed")

	_, err = ledger.Get(ctx, "10.0.0.3", models.IdentifierIP)
	assert.NoError(t, err, "recent record is kept")

	assert.Equal(t, []int64{1}, observer.Cleanups)
}

func TestAttemptLedger_CleanupExpiredBlocks(t *testing.T) {
	tests := []struct {
		name           string
		includeExpired bool
		wantDeleted    int64
	}{
		{name: "expired blocks kept by default", includeExpired: false, wantDeleted: 0},
		{name: "expired blocks swept when enabled", includeExpired: true, wantDeleted: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := services.DefaultLedgerConfig()
			cfg.IncludeExpiredBlocks = tt.includeExpired
			ledger, clk := newTestLedger(t, repositories.NewMemoryAttemptRepository(), cfg)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				_, err := ledger.RecordFailure(ctx, "10.0.0.7", models.IdentifierIP)
				require.NoError(t, err)
			}

			clk.Advance(31 * 24 * time.Hour)

			deleted, err := ledger.Cleanup(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, deleted)
		})
	}
}

func TestAttemptLedger_ListBlocked(t *testing.T) {
	ledger, clk := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.RecordFailure(ctx, "10.0.0.8", models.IdentifierIP)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := ledger.RecordFailure(ctx, "b@example.com", models.IdentifierEmail)
		require.NoError(t, err)
	}
	_, err := ledger.RecordFailure(ctx, "10.0.0.9", models.IdentifierIP)
	require.NoError(t, err)

	blocked, err := ledger.ListBlocked(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.Equal(t, "b@example.com", blocked[0].Identifier, "soonest expiry first")
	assert.Equal(t, "10.0.0.8", blocked[1].Identifier)

	clk.Advance(16 * time.Minute)
	blocked, err = ledger.ListBlocked(ctx)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
}

func TestAttemptLedger_PurgeAll(t *testing.T) {
	ledger, _ := newTestLedger(t, repositories.NewMemoryAttemptRepository(), services.DefaultLedgerConfig())
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := ledger.RecordFailure(ctx, ip, models.IdentifierIP)
		require.NoError(t, err)
	}

	deleted, err := ledger.PurgeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestAttemptLedger_RejectsInvalidInputBeforeStore(t *testing.T) {
	store := &services.MockAttemptStore{
		GetFunc: func(context.Context, string, models.IdentifierType) (*models.AttemptRecord, error) {
			t.Fatal("store must not be reached")
			return nil, nil
		},
		UpdateFunc: func(context.Context, string, models.IdentifierType, services.UpdateFunc) (*models.AttemptRecord, error) {
			t.Fatal("store must not be reached")
			return nil, nil
		},
	}
	ledger, _ := newTestLedger(t, store, services.DefaultLedgerConfig())
	ctx := context.Background()

	tests := []struct {
		name       string
		identifier string
		typ        models.IdentifierType
		wantErr    error
	}{
		{"empty identifier", "", models.IdentifierIP, models.ErrInvalidIdentifier},
		{"whitespace identifier", "   ", models.IdentifierEmail, models.ErrInvalidIdentifier},
		{"malformed ip", "10.0.0.999", models.IdentifierIP, models.ErrInvalidIdentifier},
		{"malformed email", "not-an-email", models.IdentifierEmail, models.ErrInvalidIdentifier},
		{"zero type", "10.0.0.1", models.IdentifierType(0), models.ErrInvalidType},
		{"unknown type", "10.0.0.1", models.IdentifierType(9), models.ErrInvalidType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.RecordFailure(ctx, tt.identifier, tt.typ)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = ledger.IsBlocked(ctx, tt.identifier, tt.typ)
			assert.ErrorIs(t, err, tt.wantErr)

			err = ledger.ResetAttempts(ctx, tt.identifier, tt.typ)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAttemptLedger_NormalizesIdentifiers(t *testing.T) {
	var seen []string
	store := &services.MockAttemptStore{
		GetFunc: func(_ context.Context, identifier string, _ models.IdentifierType) (*models.AttemptRecord, error) {
			seen = append(seen, identifier)
			return nil, models.ErrNotFound
		},
	}
	ledger, _ := newTestLedger(t, store, services.DefaultLedgerConfig())
	ctx := context.Background()

	for _, in := range []string{" ::ffff:10.0.0.5 ", "fe80::1%eth0", "  Admin@Test.COM"} {
		typ := models.IdentifierIP
		if in == "  Admin@Test.COM" {
			typ = models.IdentifierEmail
		}
		_, err := ledger.IsBlocked(ctx, in, typ)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"10.0.0.5", "fe80::1", "admin@test.com"}, seen)
}

func TestAttemptLedger_StoreErrorsSurfaceAsUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	store := &services.MockAttemptStore{
		GetFunc: func(context.Context, string, models.IdentifierType) (*models.AttemptRecord, error) {
			return nil, boom
		},
		UpdateFunc: func(context.Context, string, models.IdentifierType, services.UpdateFunc) (*models.AttemptRecord, error) {
			return nil, boom
		},
		ResetFunc: func(context.Context, string, models.IdentifierType, time.Time) error {
			return boom
		},
		DeleteStaleFunc: func(context.Context, time.Time, time.Time, bool) (int64, error) {
			return 0, boom
		},
		PingFunc: func(context.Context) error {
			return boom
		},
	}
	observer := &services.RecordingObserver{}
	ledger, _ := newTestLedger(t, store, services.DefaultLedgerConfig(), observer)
	ctx := context.Background()

	_, err := ledger.RecordFailure(ctx, "10.0.0.5", models.IdentifierIP)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = ledger.IsBlocked(ctx, "10.0.0.5", models.IdentifierIP)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	err = ledger.ResetAttempts(ctx, "10.0.0.5", models.IdentifierIP)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	_, err = ledger.Cleanup(ctx, 30)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	err = ledger.HealthCheck(ctx)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	assert.Equal(t, []string{"record_failure", "is_blocked", "reset", "cleanup"}, observer.Errors)
	assert.Empty(t, observer.Failures)
	assert.Empty(t, observer.Resets)
}

func TestAttemptLedger_CleanupUsesRetentionCutoff(t *testing.T) {
	var gotCutoff, gotNow time.Time
	store := &services.MockAttemptStore{
		DeleteStaleFunc: func(_ context.Context, cutoff, now time.Time, _ bool) (int64, error) {
			gotCutoff, gotNow = cutoff, now
			return 4, nil
		},
	}
	ledger, _ := newTestLedger(t, store, services.DefaultLedgerConfig())

	deleted, err := ledger.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Equal(t, ledgerEpoch, gotNow)
	assert.Equal(t, ledgerEpoch.Add(-30*24*time.Hour), gotCutoff)
}

func stalledStore() *services.MockAttemptStore {
	wait := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	return &services.MockAttemptStore{
		DeleteStaleFunc: func(ctx context.Context, _, _ time.Time, _ bool) (int64, error) {
			return 0, wait(ctx)
		},
		ListBlockedFunc: func(ctx context.Context, _ time.Time) ([]*models.AttemptRecord, error) {
			return nil, wait(ctx)
		},
		DeleteAllFunc: func(ctx context.Context) (int64, error) {
			return 0, wait(ctx)
		},
	}
}

func TestAttemptLedger_SweepsHonourTimeout(t *testing.T) {
	cfg := services.DefaultLedgerConfig()
	cfg.SweepTimeout = 50 * time.Millisecond
	ledger, _ := newTestLedger(t, stalledStore(), cfg)

	sweeps := map[string]func(context.Context) error{
		"cleanup": func(ctx context.Context) error {
			_, err := ledger.Cleanup(ctx, 0)
			return err
		},
		"list_blocked": func(ctx context.Context) error {
			_, err := ledger.ListBlocked(ctx)
			return err
		},
		"purge": func(ctx context.Context) error {
			_, err := ledger.PurgeAll(ctx)
			return err
		},
	}

	for name, sweep := range sweeps {
		t.Run(name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() { done <- sweep(context.Background()) }()

			select {
			case err := <-done:
				assert.ErrorIs(t, err, models.ErrStoreUnavailable)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			case <-time.After(2 * time.Second):
				t.Fatal("sweep did not return after its timeout")
			}
		})
	}
}
