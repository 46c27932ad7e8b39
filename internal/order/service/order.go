package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	cartdomain "github.com/harborline/storefront/internal/cart/domain"
	discrepo "github.com/harborline/storefront/internal/discount/repository"
	invdomain "github.com/harborline/storefront/internal/inventory/domain"
	"github.com/harborline/storefront/internal/notify"
	"github.com/harborline/storefront/internal/order/domain"
	"github.com/harborline/storefront/internal/order/repository"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// CartEngine is the slice of the cart service the order factory needs.
type CartEngine interface {
	GetCart(ctx context.Context, owner cartdomain.Owner) (*cartdomain.Cart, error)
	Validate(ctx context.Context, owner cartdomain.Owner) ([]cartdomain.Issue, error)
	ClearCart(ctx context.Context, owner cartdomain.Owner) error
}

// DiscountConsumer re-validates and consumes a discount code inside the
// order-creation transaction.
type DiscountConsumer interface {
	CheckAndConsume(ctx context.Context, q database.Querier, code string, subtotal int64, customer discrepo.CustomerIdentity) (int64, error)
}

// StockLedger is the slice of the inventory ledger the order flows need.
type StockLedger interface {
	Reserve(ctx context.Context, q database.Querier, variantID string, quantity int, referenceID string) error
	Release(ctx context.Context, q database.Querier, variantID string, quantity int, reason string, referenceID string) error
	GetVariant(ctx context.Context, variantID string) (*invdomain.Variant, error)
}

// PaymentRefunder issues refunds against the external payment provider.
type PaymentRefunder interface {
	Refund(ctx context.Context, paymentRef string, amount int64) error
}

// Policy carries the externally configured pricing and behavior knobs.
type Policy struct {
	ShippingFlatCents     int64
	FreeShippingThreshold int64
	TaxBasisPoints        int64
	RestockOnRefund       bool
	CODAutopay            bool
	MilestoneEvery        int
}

// OrderService implements order creation and the guarded state transitions.
type OrderService struct {
	repo        repository.OrderRepository
	pool        database.DBTX
	carts       CartEngine
	discounts   DiscountConsumer
	ledger      StockLedger
	provider    PaymentRefunder
	dispatcher  *notify.Dispatcher
	mailer      notify.Mailer
	broadcaster *notify.Broadcaster
	policy      Policy
	logger      *slog.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(
	repo repository.OrderRepository,
	pool database.DBTX,
	carts CartEngine,
	discounts DiscountConsumer,
	ledger StockLedger,
	provider PaymentRefunder,
	dispatcher *notify.Dispatcher,
	mailer notify.Mailer,
	broadcaster *notify.Broadcaster,
	policy Policy,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		repo:        repo,
		pool:        pool,
		carts:       carts,
		discounts:   discounts,
		ledger:      ledger,
		provider:    provider,
		dispatcher:  dispatcher,
		mailer:      mailer,
		broadcaster: broadcaster,
		policy:      policy,
		logger:      logger,
	}
}

// CreateOrderInput holds the parameters for creating an order from a cart.
type CreateOrderInput struct {
	Owner           cartdomain.Owner
	GuestEmail      string
	ContactName     string
	ContactEmail    string
	ContactPhone    string
	PaymentMethod   string
	ShippingAddress *domain.Address
	BillingAddress  *domain.Address
}

// CreateOrder turns the owner's cart into an order in a single transaction:
// revalidate the cart, reserve every line, re-check and consume the discount,
// freeze items, compute totals, persist. Either everything commits or nothing
// does. Post-commit side effects (cart clear, notifications, milestone check)
// are best-effort and can never invalidate the committed order.
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	if input.Owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}
	if input.ContactName == "" {
		return nil, apperrors.InvalidInput("contact name is required")
	}
	if input.ContactEmail == "" {
		return nil, apperrors.InvalidInput("contact email is required")
	}
	if input.ShippingAddress == nil {
		return nil, apperrors.InvalidInput("shipping address is required")
	}
	if input.PaymentMethod != domain.PaymentMethodCard && input.PaymentMethod != domain.PaymentMethodCOD {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unsupported payment method %q", input.PaymentMethod))
	}
	if input.Owner.UserID == "" && input.GuestEmail == "" {
		return nil, apperrors.InvalidInput("guest orders require a guest email")
	}

	cart, err := s.carts.GetCart(ctx, input.Owner)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if len(cart.Items) == 0 {
		return nil, apperrors.InvalidInput("cart is empty")
	}

	issues, err := s.carts.Validate(ctx, input.Owner)
	if err != nil {
		return nil, fmt.Errorf("validate cart: %w", err)
	}
	if len(issues) > 0 {
		return nil, cartInvalid(issues)
	}

	now := time.Now().UTC()
	orderID := uuid.New().String()

	// Freeze each line with the authoritative variant data. The reservation
	// below is the hard guarantee; this read supplies the snapshot.
	var subtotal int64
	items := make([]domain.OrderItem, len(cart.Items))
	for i, line := range cart.Items {
		variant, err := s.ledger.GetVariant(ctx, line.VariantID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, cartInvalid([]cartdomain.Issue{{
					VariantID: line.VariantID,
					Reason:    cartdomain.IssueUnavailable,
					Requested: line.Quantity,
				}})
			}
			return nil, fmt.Errorf("read variant for freeze: %w", err)
		}

		lineSubtotal := variant.Price * int64(line.Quantity)
		items[i] = domain.OrderItem{
			ID:         uuid.New().String(),
			OrderID:    orderID,
			VariantID:  variant.ID,
			Name:       variant.Name,
			SKU:        variant.SKU,
			Price:      variant.Price,
			Quantity:   line.Quantity,
			Attributes: variant.Attributes,
			Subtotal:   lineSubtotal,
		}
		subtotal += lineSubtotal
	}

	shipping := s.policy.ShippingFlatCents
	if s.policy.FreeShippingThreshold > 0 && subtotal >= s.policy.FreeShippingThreshold {
		shipping = 0
	}
	tax := subtotal * s.policy.TaxBasisPoints / 10000

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin order transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// All-or-nothing reservation: the first failed line aborts the whole
	// transaction, rolling back every prior reservation.
	for _, item := range items {
		if err := s.ledger.Reserve(ctx, tx, item.VariantID, item.Quantity, orderID); err != nil {
			stockRejectionsTotal.Inc()
			return nil, stockError(err)
		}
	}

	var discountAmount int64
	if cart.CouponCode != "" {
		customer := discrepo.CustomerIdentity{
			UserID:     input.Owner.UserID,
			GuestEmail: input.GuestEmail,
		}
		discountAmount, err = s.discounts.CheckAndConsume(ctx, tx, cart.CouponCode, subtotal, customer)
		if err != nil {
			return nil, err
		}
	}

	total := subtotal + shipping + tax - discountAmount
	if total < 0 {
		total = 0
	}

	paymentStatus := domain.PaymentPending
	if input.PaymentMethod == domain.PaymentMethodCOD && s.policy.CODAutopay {
		paymentStatus = domain.PaymentPaid
	}

	billing := input.BillingAddress
	if billing == nil {
		billing = input.ShippingAddress
	}

	var userID *string
	if input.Owner.UserID != "" {
		uid := input.Owner.UserID
		userID = &uid
	}

	order := &domain.Order{
		ID:              orderID,
		Number:          domain.NewOrderNumber(),
		UserID:          userID,
		GuestEmail:      input.GuestEmail,
		Status:          domain.StatusPending,
		PaymentStatus:   paymentStatus,
		PaymentMethod:   input.PaymentMethod,
		CouponCode:      cart.CouponCode,
		Items:           items,
		SubtotalAmount:  subtotal,
		DiscountAmount:  discountAmount,
		ShippingAmount:  shipping,
		TaxAmount:       tax,
		TotalAmount:     total,
		Currency:        cart.Currency,
		ShippingAddress: input.ShippingAddress,
		BillingAddress:  billing,
		ContactName:     input.ContactName,
		ContactEmail:    input.ContactEmail,
		ContactPhone:    input.ContactPhone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit order transaction: %w", err)
	}

	if err := s.carts.ClearCart(ctx, input.Owner); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear cart after order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	ordersCreatedTotal.WithLabelValues(order.PaymentMethod).Inc()

	s.dispatchOrderEffects(ctx, order, "created", func(runCtx context.Context) error {
		return s.mailer.SendOrderConfirmation(runCtx, order.ContactEmail, order.Number, order.TotalAmount)
	})
	s.dispatchMilestoneCheck(ctx)

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID),
		slog.String("order_number", order.Number),
		slog.Int64("total_amount", order.TotalAmount),
		slog.String("payment_method", order.PaymentMethod),
	)

	return order, nil
}

// GetOrder retrieves an order by its ID.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return order, nil
}

// ListOrders returns a filtered, paginated list of orders.
func (s *OrderService) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.PerPage > 100 {
		filter.PerPage = 100
	}

	orders, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}

	return orders, total, nil
}

// CancelOrder cancels an order and releases its reserved stock, exactly once.
// The release is guarded by checking the current status on the row-locked
// order, so a second cancel of the same order conflicts instead of
// double-restocking.
func (s *OrderService) CancelOrder(ctx context.Context, id string, requesterUserID string, isAdmin bool, reason string) (*domain.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("get order for cancel: %w", err)
	}

	if !isAdmin {
		if order.UserID == nil || *order.UserID != requesterUserID {
			return nil, apperrors.Forbidden("you do not own this order")
		}
	}

	if !order.CanCancel() {
		return nil, stateConflict(fmt.Sprintf("cannot cancel order in %q status", order.Status))
	}

	for _, item := range order.Items {
		if err := s.ledger.Release(ctx, tx, item.VariantID, item.Quantity, invdomain.MovementReasonCancel, order.ID); err != nil {
			return nil, fmt.Errorf("release stock on cancel: %w", err)
		}
	}

	if err := s.repo.UpdateStatus(ctx, tx, id, domain.StatusCancelled, reason); err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel transaction: %w", err)
	}

	order.Status = domain.StatusCancelled
	order.CancelReason = reason

	s.dispatchOrderEffects(ctx, order, "cancelled", func(runCtx context.Context) error {
		return s.mailer.SendOrderStatusUpdate(runCtx, order.ContactEmail, order.Number, domain.StatusCancelled)
	})

	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", id),
		slog.String("reason", reason),
	)

	return order, nil
}

// RefundOrder transitions payment to refunded after a successful provider
// refund. A provider timeout is an unknown outcome: the order is left
// untouched and the operation can be retried. Stock is restocked only when
// the restock-on-refund policy flag is set.
func (s *OrderService) RefundOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order for refund: %w", err)
	}

	switch order.CheckPaymentTransition(domain.PaymentRefunded) {
	case domain.PaymentTransitionNoop:
		return order, nil
	case domain.PaymentTransitionConflict:
		return nil, stateConflict(fmt.Sprintf("refund requires a paid order, payment status is %q", order.PaymentStatus))
	}

	if order.PaymentRef != nil {
		if err := s.provider.Refund(ctx, *order.PaymentRef, order.TotalAmount); err != nil {
			return nil, apperrors.Unavailable("payment provider refund failed, order left unchanged: " + err.Error())
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin refund transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("lock order for refund: %w", err)
	}
	if locked.CheckPaymentTransition(domain.PaymentRefunded) != domain.PaymentTransitionApply {
		return nil, stateConflict(fmt.Sprintf("refund requires a paid order, payment status is %q", locked.PaymentStatus))
	}

	if err := s.repo.SetPaymentStatus(ctx, tx, id, domain.PaymentRefunded, nil); err != nil {
		return nil, fmt.Errorf("set payment refunded: %w", err)
	}

	if s.policy.RestockOnRefund {
		for _, item := range locked.Items {
			if err := s.ledger.Release(ctx, tx, item.VariantID, item.Quantity, invdomain.MovementReasonRefund, locked.ID); err != nil {
				return nil, fmt.Errorf("restock on refund: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit refund transaction: %w", err)
	}

	locked.PaymentStatus = domain.PaymentRefunded

	s.dispatchOrderEffects(ctx, locked, "refunded", func(runCtx context.Context) error {
		return s.mailer.SendPaymentReceipt(runCtx, locked.ContactEmail, locked.Number, -locked.TotalAmount)
	})

	s.logger.InfoContext(ctx, "order refunded",
		slog.String("order_id", id),
		slog.Bool("restocked", s.policy.RestockOnRefund),
	)

	return locked, nil
}

// UpdateOrderStatus applies an admin shipping-status transition. Cancellation
// goes through CancelOrder so stock release cannot be bypassed.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, id, newStatus string) (*domain.Order, error) {
	if !domain.IsValidStatus(newStatus) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("invalid status %q", newStatus))
	}
	if newStatus == domain.StatusCancelled {
		return nil, apperrors.InvalidInput("use the cancel endpoint to cancel an order")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin status transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("get order for status update: %w", err)
	}

	if !order.CanTransitionTo(newStatus) {
		return nil, stateConflict(fmt.Sprintf("cannot transition from %q to %q", order.Status, newStatus))
	}

	oldStatus := order.Status

	if err := s.repo.UpdateStatus(ctx, tx, id, newStatus, ""); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status transaction: %w", err)
	}

	order.Status = newStatus

	s.dispatchOrderEffects(ctx, order, "status_changed", func(runCtx context.Context) error {
		return s.mailer.SendOrderStatusUpdate(runCtx, order.ContactEmail, order.Number, newStatus)
	})

	s.logger.InfoContext(ctx, "order status updated",
		slog.String("order_id", id),
		slog.String("old_status", oldStatus),
		slog.String("new_status", newStatus),
	)

	return order, nil
}

// ApplyPaymentTransition runs the shared payment state machine on a
// row-locked order inside the caller's transaction. Both the webhook
// processor and the manual verification path go through here, so the guards
// exist exactly once. Returns the order and whether a change was applied
// (false for an idempotent no-op).
func (s *OrderService) ApplyPaymentTransition(ctx context.Context, q database.Querier, orderID, target string, paymentRef *string) (*domain.Order, bool, error) {
	order, err := s.repo.GetByIDForUpdate(ctx, q, orderID)
	if err != nil {
		return nil, false, fmt.Errorf("lock order for payment transition: %w", err)
	}
	return s.applyPayment(ctx, q, order, target, paymentRef)
}

// ApplyPaymentTransitionByRef is ApplyPaymentTransition keyed by the external
// payment reference, used by the webhook processor.
func (s *OrderService) ApplyPaymentTransitionByRef(ctx context.Context, q database.Querier, paymentRef, target string) (*domain.Order, bool, error) {
	order, err := s.repo.GetByPaymentRefForUpdate(ctx, q, paymentRef)
	if err != nil {
		return nil, false, fmt.Errorf("lock order by payment ref: %w", err)
	}
	return s.applyPayment(ctx, q, order, target, nil)
}

func (s *OrderService) applyPayment(ctx context.Context, q database.Querier, order *domain.Order, target string, paymentRef *string) (*domain.Order, bool, error) {
	switch order.CheckPaymentTransition(target) {
	case domain.PaymentTransitionNoop:
		return order, false, nil
	case domain.PaymentTransitionConflict:
		return nil, false, stateConflict(fmt.Sprintf("cannot move payment from %q to %q", order.PaymentStatus, target))
	}

	if err := s.repo.SetPaymentStatus(ctx, q, order.ID, target, paymentRef); err != nil {
		return nil, false, fmt.Errorf("set payment status: %w", err)
	}

	order.PaymentStatus = target
	if paymentRef != nil {
		order.PaymentRef = paymentRef
	}

	s.logger.InfoContext(ctx, "payment status applied",
		slog.String("order_id", order.ID),
		slog.String("payment_status", target),
	)

	return order, true, nil
}

// DispatchPaymentEffects fires the post-commit notifications for a payment
// transition. Callers invoke it only after their transaction has committed.
func (s *OrderService) DispatchPaymentEffects(ctx context.Context, order *domain.Order) {
	s.dispatchOrderEffects(ctx, order, "payment_"+order.PaymentStatus, func(runCtx context.Context) error {
		if order.PaymentStatus == domain.PaymentPaid {
			return s.mailer.SendPaymentReceipt(runCtx, order.ContactEmail, order.Number, order.TotalAmount)
		}
		return s.mailer.SendOrderStatusUpdate(runCtx, order.ContactEmail, order.Number, order.PaymentStatus)
	})
}

// dispatchOrderEffects queues the customer email and the admin broadcast for
// an order change.
func (s *OrderService) dispatchOrderEffects(ctx context.Context, order *domain.Order, action string, email func(context.Context) error) {
	s.dispatcher.Dispatch(ctx,
		notify.Task{Name: "email:" + action, Run: email},
		notify.Task{Name: "broadcast:" + action, Run: func(runCtx context.Context) error {
			return s.broadcaster.PublishOrderEvent(runCtx, action, order.ID, map[string]any{
				"order_id":       order.ID,
				"order_number":   order.Number,
				"status":         order.Status,
				"payment_status": order.PaymentStatus,
				"total_amount":   order.TotalAmount,
			})
		}},
	)
}

// dispatchMilestoneCheck fires the Nth-order celebration broadcast when the
// all-time order count lands on the configured interval.
func (s *OrderService) dispatchMilestoneCheck(ctx context.Context) {
	if s.policy.MilestoneEvery <= 0 {
		return
	}

	every := int64(s.policy.MilestoneEvery)
	s.dispatcher.Dispatch(ctx, notify.Task{Name: "milestone-check", Run: func(runCtx context.Context) error {
		count, err := s.repo.Count(runCtx)
		if err != nil {
			return fmt.Errorf("count orders for milestone: %w", err)
		}
		if count%every != 0 {
			return nil
		}
		return s.broadcaster.PublishAdminBroadcast(runCtx, "order.milestone", map[string]any{
			"order_count": count,
		})
	}})
}

func cartInvalid(issues []cartdomain.Issue) error {
	return &apperrors.AppError{
		Code:    "CART_INVALID",
		Message: "cart has unresolved issues, review it before checkout",
		Status:  http.StatusUnprocessableEntity,
		Err:     &domain.CartInvalidError{Issues: issues},
	}
}

// stockError surfaces ledger failures verbatim so the UI can redirect to
// cart review; anything else is an internal error.
func stockError(err error) error {
	var insufficient *invdomain.InsufficientStockError
	if errors.As(err, &insufficient) {
		return &apperrors.AppError{
			Code:    "INSUFFICIENT_STOCK",
			Message: insufficient.Error(),
			Status:  http.StatusConflict,
			Err:     insufficient,
		}
	}
	var outOfStock *invdomain.OutOfStockError
	if errors.As(err, &outOfStock) {
		return &apperrors.AppError{
			Code:    "OUT_OF_STOCK",
			Message: outOfStock.Error(),
			Status:  http.StatusConflict,
			Err:     outOfStock,
		}
	}
	return fmt.Errorf("reserve stock: %w", err)
}

func stateConflict(message string) error {
	return &apperrors.AppError{
		Code:    "STATE_CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     apperrors.ErrConflict,
	}
}
