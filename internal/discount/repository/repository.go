package repository

import (
	"context"

	"github.com/harborline/storefront/internal/discount/domain"
	"github.com/harborline/storefront/pkg/database"
)

// CustomerIdentity scopes per-customer usage counting: an authenticated user
// id, or a guest email when no account exists.
type CustomerIdentity struct {
	UserID     string
	GuestEmail string
}

// DiscountRepository defines persistence for discount codes. The tx-scoped
// methods take a database.Querier so the order factory's transaction can
// close the check-then-act race between validation and consumption.
type DiscountRepository interface {
	// Create inserts a new discount.
	Create(ctx context.Context, d *domain.Discount) error

	// GetByCode retrieves a discount by its normalized code.
	GetByCode(ctx context.Context, code string) (*domain.Discount, error)

	// GetByCodeForUpdate retrieves and row-locks a discount inside the
	// caller's transaction.
	GetByCodeForUpdate(ctx context.Context, q database.Querier, code string) (*domain.Discount, error)

	// CountCustomerUses counts prior orders referencing the code for the
	// given customer, excluding cancelled orders.
	CountCustomerUses(ctx context.Context, q database.Querier, code string, customer CustomerIdentity) (int, error)

	// Consume conditionally increments used_count inside the caller's
	// transaction. Zero rows affected means the global cap was exhausted
	// by a concurrent order.
	Consume(ctx context.Context, q database.Querier, code string) (bool, error)

	// List returns discounts with the total count.
	List(ctx context.Context, page, perPage int) ([]domain.Discount, int, error)

	// SetActive toggles a discount on or off.
	SetActive(ctx context.Context, id string, active bool) error
}
