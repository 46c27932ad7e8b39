package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	cartdomain "github.com/harborline/storefront/internal/cart/domain"
)

// Order status constants.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"
)

// Payment status constants.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// Payment method constants.
const (
	PaymentMethodCard = "card"
	PaymentMethodCOD  = "cod"
)

// Order represents a customer order. Immutable once created except for the
// status fields; never deleted.
type Order struct {
	ID              string      `json:"id"`
	Number          string      `json:"number"`
	UserID          *string     `json:"user_id,omitempty"`
	GuestEmail      string      `json:"guest_email,omitempty"`
	Status          string      `json:"status"`
	PaymentStatus   string      `json:"payment_status"`
	PaymentMethod   string      `json:"payment_method"`
	PaymentRef      *string     `json:"payment_ref,omitempty"`
	CouponCode      string      `json:"coupon_code,omitempty"`
	Items           []OrderItem `json:"items"`
	SubtotalAmount  int64       `json:"subtotal_amount"`
	DiscountAmount  int64       `json:"discount_amount"`
	ShippingAmount  int64       `json:"shipping_amount"`
	TaxAmount       int64       `json:"tax_amount"`
	TotalAmount     int64       `json:"total_amount"`
	Currency        string      `json:"currency"`
	ShippingAddress *Address    `json:"shipping_address,omitempty"`
	BillingAddress  *Address    `json:"billing_address,omitempty"`
	ContactName     string      `json:"contact_name"`
	ContactEmail    string      `json:"contact_email"`
	ContactPhone    string      `json:"contact_phone,omitempty"`
	CancelReason    string      `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OrderItem is a frozen copy of a purchased line, captured at order creation
// and never re-derived from the live variant.
type OrderItem struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	VariantID  string          `json:"variant_id"`
	Name       string          `json:"name"`
	SKU        string          `json:"sku"`
	Price      int64           `json:"price"`
	Quantity   int             `json:"quantity"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Subtotal   int64           `json:"subtotal"`
}

// Address represents a shipping or billing address snapshot.
type Address struct {
	FullName    string `json:"full_name"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	Phone       string `json:"phone,omitempty"`
}

// NewOrderNumber mints a globally unique human-readable order number. ULIDs
// sort roughly by time, which gives the monotonic-ish property without a
// sequence.
func NewOrderNumber() string {
	return "ORD-" + ulid.Make().String()
}

// ValidStatuses returns all valid order statuses.
func ValidStatuses() []string {
	return []string{
		StatusPending,
		StatusProcessing,
		StatusShipped,
		StatusDelivered,
		StatusCancelled,
	}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether the status permits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusDelivered || status == StatusCancelled
}

// CanTransitionTo checks the shipping-status guard. Ordering among the
// shipping sub-states is deliberately loose; only exits from terminal states
// are forbidden.
func (o *Order) CanTransitionTo(target string) bool {
	if !IsValidStatus(target) {
		return false
	}
	if IsTerminalStatus(o.Status) {
		return false
	}
	return target != o.Status
}

// CanCancel reports whether the order may still be cancelled. Cancellation
// releases reserved stock, so it is only allowed before fulfilment starts
// shipping.
func (o *Order) CanCancel() bool {
	return o.Status == StatusPending || o.Status == StatusProcessing
}

// PaymentTransition is the outcome of checking a payment-status change.
type PaymentTransition int

const (
	// PaymentTransitionApply means the change is valid and should be persisted.
	PaymentTransitionApply PaymentTransition = iota
	// PaymentTransitionNoop means the order is already in the target state.
	PaymentTransitionNoop
	// PaymentTransitionConflict means the change is not permitted from the
	// current state.
	PaymentTransitionConflict
)

// CheckPaymentTransition evaluates the payment state machine:
// pending → {paid, failed}, failed → paid, paid → refunded. Re-applying the
// current state is a no-op, not an error, so webhook replays stay idempotent.
func (o *Order) CheckPaymentTransition(target string) PaymentTransition {
	if target == o.PaymentStatus {
		return PaymentTransitionNoop
	}

	switch target {
	case PaymentPaid:
		if o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed {
			return PaymentTransitionApply
		}
	case PaymentFailed:
		if o.PaymentStatus == PaymentPending {
			return PaymentTransitionApply
		}
	case PaymentRefunded:
		if o.PaymentStatus == PaymentPaid {
			return PaymentTransitionApply
		}
	}

	return PaymentTransitionConflict
}

// CartInvalidError aborts order creation when the cart no longer validates
// against live stock. It carries the full issue list for the caller.
type CartInvalidError struct {
	Issues []cartdomain.Issue
}

func (e *CartInvalidError) Error() string {
	return fmt.Sprintf("cart has %d unresolved issues", len(e.Issues))
}
