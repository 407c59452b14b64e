package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
)

// MockAttemptStore implements AttemptStore for testing
type MockAttemptStore struct {
	GetFunc         func(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error)
	UpdateFunc      func(ctx context.Context, identifier string, typ models.IdentifierType, fn UpdateFunc) (*models.AttemptRecord, error)
	ResetFunc       func(ctx context.Context, identifier string, typ models.IdentifierType, now time.Time) error
	DeleteStaleFunc func(ctx context.Context, cutoff, now time.Time, includeExpired bool) (int64, error)
	ListBlockedFunc func(ctx context.Context, now time.Time) ([]*models.AttemptRecord, error)
	DeleteAllFunc   func(ctx context.Context) (int64, error)
	PingFunc        func(ctx context.Context) error
}

func (m *MockAttemptStore) Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, identifier, typ)
	}
	return nil, models.ErrNotFound
}

func (m *MockAttemptStore) Update(ctx context.Context, identifier string, typ models.IdentifierType, fn UpdateFunc) (*models.AttemptRecord, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, identifier, typ, fn)
	}
	return fn(nil)
}

func (m *MockAttemptStore) Reset(ctx context.Context, identifier string, typ models.IdentifierType, now time.Time) error {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, identifier, typ, now)
	}
	return nil
}

func (m *MockAttemptStore) DeleteStale(ctx context.Context, cutoff, now time.Time, includeExpired bool) (int64, error) {
	if m.DeleteStaleFunc != nil {
		return m.DeleteStaleFunc(ctx, cutoff, now, includeExpired)
	}
	return 0, nil
}

func (m *MockAttemptStore) ListBlocked(ctx context.Context, now time.Time) ([]*models.AttemptRecord, error) {
	if m.ListBlockedFunc != nil {
		return m.ListBlockedFunc(ctx, now)
	}
	return nil, nil
}

func (m *MockAttemptStore) DeleteAll(ctx context.Context) (int64, error) {
	if m.DeleteAllFunc != nil {
		return m.DeleteAllFunc(ctx)
	}
	return 0, nil
}

func (m *MockAttemptStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// RecordingObserver captures ledger events for assertions
type RecordingObserver struct {
	mu       sync.Mutex
	Failures []*models.FailureResult
	Resets   []string
	Cleanups []int64
	Errors   []string
}

func (o *RecordingObserver) FailureRecorded(_ context.Context, result *models.FailureResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Failures = append(o.Failures, result)
}

func (o *RecordingObserver) AttemptsReset(_ context.Context, identifier string, typ models.IdentifierType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Resets = append(o.Resets, typ.String()+":"+identifier)
}

func (o *RecordingObserver) CleanupCompleted(_ context.Context, deleted int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Cleanups = append(o.Cleanups, deleted)
}

func (o *RecordingObserver) StoreFailed(_ context.Context, op string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Errors = append(o.Errors, op)
}
