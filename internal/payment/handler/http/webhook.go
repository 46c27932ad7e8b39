package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/harborline/storefront/internal/payment/service"
	"github.com/harborline/storefront/pkg/httputil"
)

// SignatureHeader carries the provider's HMAC signature over the raw body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookHandler handles inbound payment webhooks and manual verification.
type WebhookHandler struct {
	service *service.WebhookService
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook HTTP handler.
func NewWebhookHandler(svc *service.WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: svc,
		logger:  logger,
	}
}

// VerifyPaymentRequest is the JSON request body for manual verification.
type VerifyPaymentRequest struct {
	Force bool `json:"force"`
}

// HandleWebhook handles POST /api/v1/webhooks/payment. The body is read raw:
// the signature covers the exact bytes on the wire, so no decoding happens
// before verification.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "unable to read request body"},
		})
		return
	}

	if err := h.service.Handle(r.Context(), rawBody, r.Header.Get(SignatureHeader)); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]bool{"received": true}})
}

// VerifyPayment handles POST /api/v1/orders/{id}/verify-payment (admin only)
func (h *WebhookHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req VerifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Allow empty body; force defaults to false.
		req = VerifyPaymentRequest{}
	}

	order, err := h.service.VerifyPayment(r.Context(), id.String(), req.Force)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: order})
}
