package repository

import (
	"context"

	"github.com/harborline/storefront/internal/order/domain"
	"github.com/harborline/storefront/pkg/database"
)

// OrderFilter narrows order listings.
type OrderFilter struct {
	UserID  *string
	Status  *string
	Page    int
	PerPage int
}

// OrderRepository defines the interface for order persistence operations.
// Mutating methods take a database.Querier so they can join the caller's
// transaction: the order factory, cancellation, and webhook processing each
// own a transaction spanning several repositories.
type OrderRepository interface {
	// Create inserts the order row and its frozen items.
	Create(ctx context.Context, q database.Querier, o *domain.Order) error

	// GetByID retrieves an order with its items.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// GetByIDForUpdate retrieves and row-locks an order inside the caller's
	// transaction. Items are loaded but not locked; they are immutable.
	GetByIDForUpdate(ctx context.Context, q database.Querier, id string) (*domain.Order, error)

	// GetByPaymentRefForUpdate locates and row-locks the order carrying the
	// given external payment reference.
	GetByPaymentRefForUpdate(ctx context.Context, q database.Querier, paymentRef string) (*domain.Order, error)

	// List returns orders matching the filter with the total count.
	List(ctx context.Context, filter OrderFilter) ([]domain.Order, int, error)

	// UpdateStatus changes the shipping status and optionally the cancel reason.
	UpdateStatus(ctx context.Context, q database.Querier, id, status, reason string) error

	// SetPaymentStatus changes the payment status and optionally stores the
	// external payment reference.
	SetPaymentStatus(ctx context.Context, q database.Querier, id, paymentStatus string, paymentRef *string) error

	// Count returns the all-time number of orders, used for milestone checks.
	Count(ctx context.Context) (int64, error)
}
