package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
)

// AdminLedger is the maintenance side of the attempt ledger
type AdminLedger interface {
	ListBlocked(ctx context.Context) ([]*models.AttemptRecord, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
	HealthCheck(ctx context.Context) error
}

// CleanupRequest optionally overrides the configured retention
type CleanupRequest struct {
	RetentionDays int `json:"retention_days" validate:"omitempty,gte=1,lte=3650"`
}

// BlockListResponse lists active blocks
type BlockListResponse struct {
	Blocks []*models.AttemptRecord `json:"blocks"`
	Count  int                     `json:"count"`
}

// AdminHandler handles block listing, maintenance and health requests
type AdminHandler struct {
	ledger AdminLedger
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(ledger AdminLedger, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{ledger: ledger, logger: logger}
}

// ListBlocks handles GET /v1/admin/blocks
// Optional ?type=ip|email narrows the list.
func (h *AdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	var filter models.IdentifierType
	if t := r.URL.Query().Get("type"); t != "" {
		typ, err := models.ParseIdentifierType(t)
		if err != nil {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
		filter = typ
	}

	records, err := h.ledger.ListBlocked(r.Context())
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	blocks := make([]*models.AttemptRecord, 0, len(records))
	for _, rec := range records {
		if filter == 0 || rec.Type == filter {
			blocks = append(blocks, rec)
		}
	}

	pkghttp.WriteJSON(w, http.StatusOK, BlockListResponse{Blocks: blocks, Count: len(blocks)})
}

// RunCleanup handles POST /v1/admin/cleanup
func (h *AdminHandler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	deleted, err := h.ledger.Cleanup(r.Context(), req.RetentionDays)
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Health handles GET /health
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ledger.HealthCheck(ctx); err != nil {
		h.logger.Warn("health check failed", slog.Any("error", err))
		pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
