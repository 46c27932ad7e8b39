package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/harborline/storefront/internal/inventory/service"
	"github.com/harborline/storefront/pkg/httputil"
	"github.com/harborline/storefront/pkg/pagination"
	"github.com/harborline/storefront/pkg/validator"
)

// InventoryHandler handles the admin stock endpoints.
type InventoryHandler struct {
	service *service.InventoryService
	logger  *slog.Logger
}

// NewInventoryHandler creates a new inventory HTTP handler.
func NewInventoryHandler(svc *service.InventoryService, logger *slog.Logger) *InventoryHandler {
	return &InventoryHandler{
		service: svc,
		logger:  logger,
	}
}

// AdjustStockRequest is the JSON request body for a stock adjustment.
type AdjustStockRequest struct {
	VariantID   string  `json:"variant_id" validate:"required,uuid"`
	Delta       int     `json:"delta" validate:"required"`
	ReferenceID *string `json:"reference_id"`
}

// GetVariant handles GET /api/v1/admin/inventory/{variantId}
func (h *InventoryHandler) GetVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "variantId"))
	if !ok {
		return
	}

	variant, err := h.service.GetVariant(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: variant})
}

// AdjustStock handles POST /api/v1/admin/inventory/adjust
func (h *InventoryHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req AdjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	variant, err := h.service.AdjustStock(r.Context(), service.AdjustStockInput{
		VariantID:   req.VariantID,
		Delta:       req.Delta,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: variant})
}

// ListLowStock handles GET /api/v1/admin/inventory/low-stock
func (h *InventoryHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	threshold := 10
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil || t < 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "INVALID_PARAMETER", Message: "threshold must be a non-negative integer"},
			})
			return
		}
		threshold = t
	}

	params := pagination.FromRequest(r)

	variants, total, err := h.service.ListLowStock(r.Context(), threshold, params.Page, params.PerPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(variants, total, params.Page, params.PerPage))
}
