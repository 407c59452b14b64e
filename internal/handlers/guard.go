package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/loginguard/internal/clock"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

const maxRequestBodyBytes = 4 << 10

// LedgerService is the attempt ledger as seen by the HTTP layer
type LedgerService interface {
	Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error)
	RecordFailure(ctx context.Context, identifier string, typ models.IdentifierType) (*models.FailureResult, error)
	ResetAttempts(ctx context.Context, identifier string, typ models.IdentifierType) error
	IsBlocked(ctx context.Context, identifier string, typ models.IdentifierType) (*models.BlockInfo, error)
}

// LoginGuard decides on and records whole login attempts
type LoginGuard interface {
	Check(ctx context.Context, ip, email string) (*services.CheckResult, error)
	RecordOutcome(ctx context.Context, ip, email string, success bool) (*services.OutcomeResult, error)
}

// IdentifierRequest names one ledger entry
type IdentifierRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
	Type       string `json:"type" validate:"required,oneof=ip email"`
}

// LoginCheckRequest asks whether a login may proceed
type LoginCheckRequest struct {
	IP    string `json:"ip" validate:"required,ip"`
	Email string `json:"email" validate:"omitempty,email,max=320"`
}

// LoginEventRequest reports the outcome of a login
type LoginEventRequest struct {
	IP      string `json:"ip" validate:"required,ip"`
	Email   string `json:"email" validate:"omitempty,email,max=320"`
	Success *bool  `json:"success" validate:"required"`
}

// FailureResponse is a recorded failure as shown to host applications.
// Remaining attempts never go below zero here.
type FailureResponse struct {
	Identifier          string     `json:"identifier"`
	Type                string     `json:"type"`
	FailedAttempts      uint       `json:"failed_attempts"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
	RemainingAttempts   int        `json:"remaining_attempts"`
	Blocked             bool       `json:"blocked"`
	BlockedUntil        *time.Time `json:"blocked_until,omitempty"`
	Tier                int        `json:"tier"`
}

// BlockStatusResponse answers a block lookup
type BlockStatusResponse struct {
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// LoginEventResponse is the ledger state after a login outcome
type LoginEventResponse struct {
	IP       *FailureResponse `json:"ip,omitempty"`
	Email    *FailureResponse `json:"email,omitempty"`
	Degraded bool             `json:"degraded"`
}

// GuardHandler serves the ledger API used by host applications
type GuardHandler struct {
	ledger LedgerService
	guard  LoginGuard
	clock  clock.Clock
	logger *slog.Logger
}

// NewGuardHandler creates a new GuardHandler
func NewGuardHandler(ledger LedgerService, guard LoginGuard, clk clock.Clock, logger *slog.Logger) *GuardHandler {
	return &GuardHandler{ledger: ledger, guard: guard, clock: clk, logger: logger}
}

// RecordFailure handles POST /v1/failures
func (h *GuardHandler) RecordFailure(w http.ResponseWriter, r *http.Request) {
	var req IdentifierRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	typ, err := models.ParseIdentifierType(req.Type)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	result, err := h.ledger.RecordFailure(r.Context(), req.Identifier, typ)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, h.toFailureResponse(result))
}

// ResetAttempts handles POST /v1/resets
func (h *GuardHandler) ResetAttempts(w http.ResponseWriter, r *http.Request) {
	var req IdentifierRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	typ, err := models.ParseIdentifierType(req.Type)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	if err := h.ledger.ResetAttempts(r.Context(), req.Identifier, typ); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBlockStatus handles GET /v1/blocks/{type}/{identifier}
func (h *GuardHandler) GetBlockStatus(w http.ResponseWriter, r *http.Request) {
	typ, identifier, err := pathIdentifier(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	info, err := h.ledger.IsBlocked(r.Context(), identifier, typ)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	resp := BlockStatusResponse{}
	if info != nil {
		until := info.BlockedUntil
		resp = BlockStatusResponse{Blocked: true, BlockedUntil: &until, Reason: info.Reason}
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// GetAttempts handles GET /v1/attempts/{type}/{identifier}
func (h *GuardHandler) GetAttempts(w http.ResponseWriter, r *http.Request) {
	typ, identifier, err := pathIdentifier(r)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	rec, err := h.ledger.Get(r.Context(), identifier, typ)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, rec)
}

// CheckLogin handles POST /v1/login-events/check
func (h *GuardHandler) CheckLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginCheckRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.guard.Check(r.Context(), req.IP, req.Email)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// RecordLoginEvent handles POST /v1/login-events
func (h *GuardHandler) RecordLoginEvent(w http.ResponseWriter, r *http.Request) {
	var req LoginEventRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.guard.RecordOutcome(r.Context(), req.IP, req.Email, *req.Success)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginEventResponse{
		IP:       h.toFailureResponse(result.IP),
		Email:    h.toFailureResponse(result.Email),
		Degraded: result.Degraded,
	})
}

// writeLedgerError maps ledger errors onto the JSON error envelope
func (h *GuardHandler) writeLedgerError(w http.ResponseWriter, err error) {
	writeLedgerError(w, h.logger, err)
}

func writeLedgerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidIdentifier), errors.Is(err, models.ErrInvalidType), errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "no attempts recorded for identifier")
	case errors.Is(err, models.ErrStoreUnavailable):
		pkghttp.WriteServiceUnavailable(w, "attempt store unavailable")
	default:
		logger.Error("unexpected ledger error", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "internal server error")
	}
}

func pathIdentifier(r *http.Request) (models.IdentifierType, string, error) {
	typ, err := models.ParseIdentifierType(chi.URLParam(r, "type"))
	if err != nil {
		return 0, "", err
	}
	return typ, chi.URLParam(r, "identifier"), nil
}

// decodeAndValidate reads a JSON body into dst and validates it, writing a 400 on failure
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, false)
}

// decodeOptional accepts an empty body, chunked or not, leaving dst at its zero value
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return false
	}
	if err := ValidateRequest(dst); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

func (h *GuardHandler) toFailureResponse(result *models.FailureResult) *FailureResponse {
	if result == nil {
		return nil
	}
	return &FailureResponse{
		Identifier:          result.Identifier,
		Type:                result.Type.String(),
		FailedAttempts:      result.FailedAttempts,
		ConsecutiveFailures: result.ConsecutiveFailures,
		RemainingAttempts:   result.DisplayRemaining(),
		Blocked:             result.BlockedUntil != nil && result.BlockedUntil.After(h.clock.Now()),
		BlockedUntil:        result.BlockedUntil,
		Tier:                result.Tier,
	}
}
