package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/harborline/storefront/internal/cart/domain"
	"github.com/harborline/storefront/internal/cart/service"
	"github.com/harborline/storefront/pkg/httputil"
	"github.com/harborline/storefront/pkg/middleware"
	"github.com/harborline/storefront/pkg/validator"
)

// SessionTokenHeader carries the guest session token for unauthenticated carts.
const SessionTokenHeader = "X-Session-Token"

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	service *service.CartService
	logger  *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(svc *service.CartService, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		service: svc,
		logger:  logger,
	}
}

// AddItemRequest is the JSON request body for adding an item to the cart.
type AddItemRequest struct {
	VariantID string `json:"variant_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
}

// UpdateItemRequest is the JSON request body for updating a line quantity.
type UpdateItemRequest struct {
	Quantity int `json:"quantity" validate:"gte=0"`
}

// ApplyDiscountRequest is the JSON request body for applying a code.
type ApplyDiscountRequest struct {
	Code       string `json:"code" validate:"required"`
	GuestEmail string `json:"guest_email" validate:"omitempty,email"`
}

// MergeRequest is the JSON request body for merging a guest cart at login.
type MergeRequest struct {
	GuestToken string `json:"guest_token" validate:"required"`
}

// owner resolves the cart owner: the authenticated user when present,
// otherwise the guest session token.
func (h *CartHandler) owner(r *http.Request) (domain.Owner, bool) {
	if uid := middleware.UserIDFromContext(r.Context()); uid != "" {
		return domain.Owner{UserID: uid}, true
	}
	if token := r.Header.Get(SessionTokenHeader); token != "" {
		return domain.Owner{GuestToken: token}, true
	}
	return domain.Owner{}, false
}

func (h *CartHandler) requireOwner(w http.ResponseWriter, r *http.Request) (domain.Owner, bool) {
	owner, ok := h.owner(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "authentication or " + SessionTokenHeader + " header is required"},
		})
	}
	return owner, ok
}

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	cart, err := h.service.GetCart(r.Context(), owner)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req AddItemRequest
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

	cart, err := h.service.AddItem(r.Context(), owner, req.VariantID, req.Quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}

// UpdateItem handles PUT /api/v1/cart/items/{variantId}
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	variantID, ok := httputil.ParseUUID(w, chi.URLParam(r, "variantId"))
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req UpdateItemRequest
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

	cart, err := h.service.UpdateItem(r.Context(), owner, variantID.String(), req.Quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}

// RemoveItem handles DELETE /api/v1/cart/items/{variantId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	variantID, ok := httputil.ParseUUID(w, chi.URLParam(r, "variantId"))
	if !ok {
		return
	}

	cart, err := h.service.RemoveItem(r.Context(), owner, variantID.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	if err := h.service.ClearCart(r.Context(), owner); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ApplyDiscount handles POST /api/v1/cart/discount
func (h *CartHandler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req ApplyDiscountRequest
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

	cart, amount, err := h.service.ApplyDiscount(r.Context(), owner, req.Code, req.GuestEmail)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"cart":            cart,
		"discount_amount": amount,
	}})
}

// RemoveDiscount handles DELETE /api/v1/cart/discount
func (h *CartHandler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	cart, err := h.service.RemoveDiscount(r.Context(), owner)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}

// Validate handles GET /api/v1/cart/validate
func (h *CartHandler) Validate(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	issues, err := h.service.Validate(r.Context(), owner)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	}})
}

// Merge handles POST /api/v1/cart/merge. It requires an authenticated user
// and never fails: merge problems are logged server-side and the user's cart
// is returned as-is.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "UNAUTHORIZED", Message: "authentication required"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req MergeRequest
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

	cart := h.service.Merge(r.Context(), req.GuestToken, userID)

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: cart})
}
