package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	carthttp "github.com/harborline/storefront/internal/cart/handler/http"
	cartservice "github.com/harborline/storefront/internal/cart/service"
	dischttp "github.com/harborline/storefront/internal/discount/handler/http"
	discservice "github.com/harborline/storefront/internal/discount/service"
	invhttp "github.com/harborline/storefront/internal/inventory/handler/http"
	invservice "github.com/harborline/storefront/internal/inventory/service"
	orderhttp "github.com/harborline/storefront/internal/order/handler/http"
	orderservice "github.com/harborline/storefront/internal/order/service"
	paymenthttp "github.com/harborline/storefront/internal/payment/handler/http"
	paymentservice "github.com/harborline/storefront/internal/payment/service"
	"github.com/harborline/storefront/pkg/health"
	"github.com/harborline/storefront/pkg/middleware"
)

// Services bundles the area services the router exposes.
type Services struct {
	Cart      *cartservice.CartService
	Discount  *discservice.DiscountService
	Inventory *invservice.InventoryService
	Order     *orderservice.OrderService
	Webhook   *paymentservice.WebhookService
}

// NewRouter creates the chi router with every storefront route registered.
// Customer-facing cart and checkout routes take either a bearer token or a
// guest session header; admin routes require the admin role; the payment
// webhook authenticates by HMAC signature instead of a token.
func NewRouter(
	svcs Services,
	tokenValidator middleware.TokenValidator,
	healthHandler *health.Handler,
	logger *slog.Logger,
	pprofCIDRs []string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("storefront"))
	r.Use(middleware.Tracing("storefront"))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, pprofCIDRs, logger)

	cartHandler := carthttp.NewCartHandler(svcs.Cart, logger)
	discountHandler := dischttp.NewDiscountHandler(svcs.Discount, logger)
	inventoryHandler := invhttp.NewInventoryHandler(svcs.Inventory, logger)
	orderHandler := orderhttp.NewOrderHandler(svcs.Order, logger)
	webhookHandler := paymenthttp.NewWebhookHandler(svcs.Webhook, logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Provider webhook: raw body, HMAC-authenticated, no bearer token.
		r.Post("/webhooks/payment", webhookHandler.HandleWebhook)

		r.Route("/cart", func(r chi.Router) {
			r.Use(ContentTypeJSON)
			r.Use(middleware.OptionalAuth(tokenValidator))

			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{variantId}", cartHandler.UpdateItem)
			r.Delete("/items/{variantId}", cartHandler.RemoveItem)
			r.Post("/discount", cartHandler.ApplyDiscount)
			r.Delete("/discount", cartHandler.RemoveDiscount)
			r.Get("/validate", cartHandler.Validate)
			r.Post("/merge", cartHandler.Merge)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Use(ContentTypeJSON)

			// Checkout serves guests too; everything below it needs a user.
			r.With(middleware.OptionalAuth(tokenValidator)).Post("/", orderHandler.CreateOrder)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(tokenValidator))

				r.Get("/", orderHandler.ListOrders)
				r.Get("/{id}", orderHandler.GetOrder)
				r.Post("/{id}/cancel", orderHandler.CancelOrder)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole("admin"))

					r.Put("/{id}/status", orderHandler.UpdateOrderStatus)
					r.Post("/{id}/refund", orderHandler.RefundOrder)
					r.Post("/{id}/verify-payment", webhookHandler.VerifyPayment)
				})
			})
		})

		r.Route("/discounts", func(r chi.Router) {
			r.Use(ContentTypeJSON)
			r.Use(middleware.OptionalAuth(tokenValidator))

			r.Post("/validate", discountHandler.Validate)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(ContentTypeJSON)
			r.Use(middleware.Auth(tokenValidator))
			r.Use(middleware.RequireRole("admin"))

			r.Route("/discounts", func(r chi.Router) {
				r.Post("/", discountHandler.Create)
				r.Get("/", discountHandler.List)
				r.Delete("/{id}", discountHandler.Deactivate)
			})

			r.Route("/inventory", func(r chi.Router) {
				r.Get("/low-stock", inventoryHandler.ListLowStock)
				r.Get("/{variantId}", inventoryHandler.GetVariant)
				r.Post("/adjust", inventoryHandler.AdjustStock)
			})
		})
	})

	return r
}
