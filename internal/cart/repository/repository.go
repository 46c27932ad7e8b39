package repository

import (
	"context"

	"github.com/harborline/storefront/internal/cart/domain"
)

// CartRepository defines the interface for cart persistence operations.
type CartRepository interface {
	// Get retrieves a cart by its owner.
	Get(ctx context.Context, owner domain.Owner) (*domain.Cart, error)

	// Save persists a cart unconditionally, overwriting any existing cart.
	Save(ctx context.Context, cart *domain.Cart) error

	// SaveIfVersion persists a cart only if the stored version still matches
	// expectedVersion (0 for a cart that does not exist yet). On success the
	// stored version becomes expectedVersion+1 and true is returned; a
	// concurrent modification returns false with no error.
	SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error)

	// Delete removes a cart from the store.
	Delete(ctx context.Context, owner domain.Owner) error
}
