package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	cartdomain "github.com/harborline/storefront/internal/cart/domain"
	carthttp "github.com/harborline/storefront/internal/cart/handler/http"
	"github.com/harborline/storefront/internal/order/domain"
	"github.com/harborline/storefront/internal/order/repository"
	"github.com/harborline/storefront/internal/order/service"
	"github.com/harborline/storefront/pkg/httputil"
	"github.com/harborline/storefront/pkg/middleware"
	"github.com/harborline/storefront/pkg/validator"
)

const adminRole = "admin"

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	service *service.OrderService
	logger  *slog.Logger
}

// NewOrderHandler creates a new order HTTP handler.
func NewOrderHandler(svc *service.OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// CreateOrderRequest is the JSON request body for checking out the cart.
// Line items are never accepted from the client; they come from the cart.
type CreateOrderRequest struct {
	GuestEmail      string          `json:"guest_email" validate:"omitempty,email"`
	ContactName     string          `json:"contact_name" validate:"required"`
	ContactEmail    string          `json:"contact_email" validate:"required,email"`
	ContactPhone    string          `json:"contact_phone"`
	PaymentMethod   string          `json:"payment_method" validate:"required,oneof=card cod"`
	ShippingAddress *domain.Address `json:"shipping_address" validate:"required"`
	BillingAddress  *domain.Address `json:"billing_address"`
}

// UpdateStatusRequest is the JSON request body for updating order status.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending processing shipped delivered"`
}

// CancelOrderRequest is the JSON request body for cancelling an order.
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// --- Handlers ---

// CreateOrder handles POST /api/v1/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var owner cartdomain.Owner
	if uid := middleware.UserIDFromContext(r.Context()); uid != "" {
		owner = cartdomain.Owner{UserID: uid}
	} else if token := r.Header.Get(carthttp.SessionTokenHeader); token != "" {
		owner = cartdomain.Owner{GuestToken: token}
	} else {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "authentication or " + carthttp.SessionTokenHeader + " header is required"},
		})
		return
	}

	// Limit request body to 1MB to prevent DoS via large payloads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateOrderRequest
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

	order, err := h.service.CreateOrder(r.Context(), service.CreateOrderInput{
		Owner:           owner,
		GuestEmail:      req.GuestEmail,
		ContactName:     req.ContactName,
		ContactEmail:    req.ContactEmail,
		ContactPhone:    req.ContactPhone,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	})
	if err != nil {
		h.writeOrderError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: order})
}

// ListOrders handles GET /api/v1/orders. Customers see their own orders;
// admins may filter by any user or status.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := repository.OrderFilter{
		Page:    1,
		PerPage: 20,
	}

	if v := r.URL.Query().Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "INVALID_PARAMETER", Message: "page must be a valid positive integer"},
			})
			return
		}
		filter.Page = page
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		perPage, err := strconv.Atoi(v)
		if err != nil || perPage < 1 || perPage > 100 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "INVALID_PARAMETER", Message: "per_page must be a valid integer between 1 and 100"},
			})
			return
		}
		filter.PerPage = perPage
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = &v
	}

	userID := middleware.UserIDFromContext(r.Context())
	if middleware.RoleFromContext(r.Context()) == adminRole {
		if v := r.URL.Query().Get("user_id"); v != "" {
			filter.UserID = &v
		}
	} else {
		filter.UserID = &userID
	}

	orders, total, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(orders, total, filter.Page, filter.PerPage))
}

// GetOrder handles GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	// Non-admins only see their own orders. Respond 404 rather than 403 so
	// order IDs are not probeable.
	if middleware.RoleFromContext(r.Context()) != adminRole {
		userID := middleware.UserIDFromContext(r.Context())
		if order.UserID == nil || *order.UserID != userID {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "NOT_FOUND", Message: "resource not found"},
			})
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}

// UpdateOrderStatus handles PUT /api/v1/orders/{id}/status (admin only)
func (h *OrderHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req UpdateStatusRequest
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

	order, err := h.service.UpdateOrderStatus(r.Context(), id.String(), req.Status)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}

// CancelOrder handles POST /api/v1/orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Allow empty body for cancel; default reason is empty.
		req = CancelOrderRequest{}
	}

	userID := middleware.UserIDFromContext(r.Context())
	isAdmin := middleware.RoleFromContext(r.Context()) == adminRole

	order, err := h.service.CancelOrder(r.Context(), id.String(), userID, isAdmin, req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}

// RefundOrder handles POST /api/v1/orders/{id}/refund (admin only)
func (h *OrderHandler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.service.RefundOrder(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}

// writeOrderError extends the standard error writer with the cart-invalid
// payload so the storefront can send the customer back to cart review with
// the full issue list.
func (h *OrderHandler) writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *domain.CartInvalidError
	if errors.As(err, &invalid) {
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, httputil.Response{
			Data: map[string]any{"issues": invalid.Issues},
			Error: &httputil.ErrorResponse{
				Code:    "CART_INVALID",
				Message: "cart has unresolved issues, review it before checkout",
			},
		})
		return
	}

	httputil.WriteError(w, r, err, h.logger)
}
