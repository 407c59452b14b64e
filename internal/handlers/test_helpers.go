package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithURLParams attaches chi route parameters to a request
func WithURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockLedger implements LedgerService and AdminLedger for testing
type MockLedger struct {
	GetFunc           func(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error)
	RecordFailureFunc func(ctx context.Context, identifier string, typ models.IdentifierType) (*models.FailureResult, error)
	ResetAttemptsFunc func(ctx context.Context, identifier string, typ models.IdentifierType) error
	IsBlockedFunc     func(ctx context.Context, identifier string, typ models.IdentifierType) (*models.BlockInfo, error)
	ListBlockedFunc   func(ctx context.Context) ([]*models.AttemptRecord, error)
	CleanupFunc       func(ctx context.Context, retentionDays int) (int64, error)
	HealthCheckFunc   func(ctx context.Context) error
}

func (m *MockLedger) Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error) {
	if m.GetFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetFunc(ctx, identifier, typ)
}

func (m *MockLedger) RecordFailure(ctx context.Context, identifier string, typ models.IdentifierType) (*models.FailureResult, error) {
	if m.RecordFailureFunc == nil {
		return nil, models.ErrStoreUnavailable
	}
	return m.RecordFailureFunc(ctx, identifier, typ)
}

func (m *MockLedger) ResetAttempts(ctx context.Context, identifier string, typ models.IdentifierType) error {
	if m.ResetAttemptsFunc == nil {
		return nil
	}
	return m.ResetAttemptsFunc(ctx, identifier, typ)
}

func (m *MockLedger) IsBlocked(ctx context.Context, identifier string, typ models.IdentifierType) (*models.BlockInfo, error) {
	if m.IsBlockedFunc == nil {
		return nil, nil
	}
	return m.IsBlockedFunc(ctx, identifier, typ)
}

func (m *MockLedger) ListBlocked(ctx context.Context) ([]*models.AttemptRecord, error) {
	if m.ListBlockedFunc == nil {
		return nil, nil
	}
	return m.ListBlockedFunc(ctx)
}

func (m *MockLedger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if m.CleanupFunc == nil {
		return 0, nil
	}
	return m.CleanupFunc(ctx, retentionDays)
}

func (m *MockLedger) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFunc == nil {
		return nil
	}
	return m.HealthCheckFunc(ctx)
}

// MockLoginGuard implements LoginGuard for testing
type MockLoginGuard struct {
	CheckFunc         func(ctx context.Context, ip, email string) (*services.CheckResult, error)
	RecordOutcomeFunc func(ctx context.Context, ip, email string, success bool) (*services.OutcomeResult, error)
}

func (m *MockLoginGuard) Check(ctx context.Context, ip, email string) (*services.CheckResult, error) {
	if m.CheckFunc == nil {
		return &services.CheckResult{Allowed: true}, nil
	}
	return m.CheckFunc(ctx, ip, email)
}

func (m *MockLoginGuard) RecordOutcome(ctx context.Context, ip, email string, success bool) (*services.OutcomeResult, error) {
	if m.RecordOutcomeFunc == nil {
		return &services.OutcomeResult{}, nil
	}
	return m.RecordOutcomeFunc(ctx, ip, email, success)
}
