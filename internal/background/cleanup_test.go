package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	mu        sync.Mutex
	calls     int
	retention []int
	deadlines []time.Duration
	err       error
}

func (f *fakeCleaner) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.retention = append(f.retention, retentionDays)
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(deadline))
	}
	return 3, f.err
}

func (f *fakeCleaner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCleanupManager_RejectsBadSchedule(t *testing.T) {
	_, err := NewCleanupManager(&fakeCleaner{}, CleanupConfig{Schedule: "every hour"}, discardLogger())
	assert.Error(t, err)

	_, err = NewCleanupManager(&fakeCleaner{}, CleanupConfig{Schedule: "*/5 * * * *"}, discardLogger())
	assert.NoError(t, err)
}

func TestCleanupManager_RunsOnStartAndStops(t *testing.T) {
	cleaner := &fakeCleaner{}
	cm, err := NewCleanupManager(cleaner, CleanupConfig{Schedule: "@every 1h", RetentionDays: 7}, discardLogger())
	require.NoError(t, err)

	go cm.Start(context.Background())

	assert.Eventually(t, func() bool { return cleaner.callCount() == 1 }, time.Second, 10*time.Millisecond)

	cm.Stop()
	cm.Stop() // idempotent

	select {
	case <-cm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup manager did not stop")
	}

	assert.Equal(t, []int{7}, cleaner.retention)
}

func TestCleanupManager_StopsOnContextCancel(t *testing.T) {
	cm, err := NewCleanupManager(&fakeCleaner{}, CleanupConfig{Schedule: "@every 1h"}, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)
	cancel()

	select {
	case <-cm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup manager did not stop")
	}
}

func TestCleanupManager_RunOnceAppliesTimeout(t *testing.T) {
	cleaner := &fakeCleaner{}
	cm, err := NewCleanupManager(cleaner, CleanupConfig{Schedule: "@every 1h"}, discardLogger())
	require.NoError(t, err)

	cm.RunOnce(context.Background())

	require.Len(t, cleaner.deadlines, 1)
	assert.LessOrEqual(t, cleaner.deadlines[0], 30*time.Second)
	assert.Greater(t, cleaner.deadlines[0], 29*time.Second)
}

func TestCleanupManager_FailureDoesNotStopSchedule(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("store unavailable")}
	cm, err := NewCleanupManager(cleaner, CleanupConfig{Schedule: "@every 1h", Timeout: time.Second}, discardLogger())
	require.NoError(t, err)

	cm.RunOnce(context.Background())
	cm.RunOnce(context.Background())

	assert.Equal(t, 2, cleaner.callCount())
}
