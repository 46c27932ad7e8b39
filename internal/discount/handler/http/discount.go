package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harborline/storefront/internal/discount/repository"
	"github.com/harborline/storefront/internal/discount/service"
	"github.com/harborline/storefront/pkg/httputil"
	"github.com/harborline/storefront/pkg/middleware"
	"github.com/harborline/storefront/pkg/pagination"
	"github.com/harborline/storefront/pkg/validator"
)

// DiscountHandler handles discount validation and admin endpoints.
type DiscountHandler struct {
	service *service.DiscountService
	logger  *slog.Logger
}

// NewDiscountHandler creates a new discount HTTP handler.
func NewDiscountHandler(svc *service.DiscountService, logger *slog.Logger) *DiscountHandler {
	return &DiscountHandler{
		service: svc,
		logger:  logger,
	}
}

// ValidateDiscountRequest is the JSON request body for validating a code.
type ValidateDiscountRequest struct {
	Code       string `json:"code" validate:"required"`
	Subtotal   int64  `json:"subtotal" validate:"gte=0"`
	GuestEmail string `json:"guest_email" validate:"omitempty,email"`
}

// CreateDiscountRequest is the JSON request body for creating a discount.
type CreateDiscountRequest struct {
	Code            string    `json:"code" validate:"required,min=2,max=50"`
	Type            string    `json:"type" validate:"required,oneof=percentage fixed"`
	Value           int64     `json:"value" validate:"required,gt=0"`
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	ExpiresAt       time.Time `json:"expires_at" validate:"required"`
	MaxUses         *int      `json:"max_uses"`
	UsesPerCustomer int       `json:"uses_per_customer"`
	MinimumPurchase *int64    `json:"minimum_purchase"`
}

// Validate handles POST /api/v1/discounts/validate
func (h *DiscountHandler) Validate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req ValidateDiscountRequest
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

	customer := repository.CustomerIdentity{
		UserID:     middleware.UserIDFromContext(r.Context()),
		GuestEmail: req.GuestEmail,
	}

	result, err := h.service.Validate(r.Context(), req.Code, req.Subtotal, customer)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: result})
}

// Create handles POST /api/v1/admin/discounts
func (h *DiscountHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateDiscountRequest
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

	discount, err := h.service.CreateDiscount(r.Context(), service.CreateDiscountInput{
		Code:            req.Code,
		Type:            req.Type,
		Value:           req.Value,
		StartsAt:        req.StartsAt,
		ExpiresAt:       req.ExpiresAt,
		MaxUses:         req.MaxUses,
		UsesPerCustomer: req.UsesPerCustomer,
		MinimumPurchase: req.MinimumPurchase,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: discount})
}

// List handles GET /api/v1/admin/discounts
func (h *DiscountHandler) List(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	discounts, total, err := h.service.ListDiscounts(r.Context(), params.Page, params.PerPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(discounts, total, params.Page, params.PerPage))
}

// Deactivate handles DELETE /api/v1/admin/discounts/{id}
func (h *DiscountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.service.DeactivateDiscount(r.Context(), id.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
