package repository

import (
	"context"

	"github.com/harborline/storefront/internal/inventory/domain"
	"github.com/harborline/storefront/pkg/database"
)

// Ledger defines the atomic stock operations. Reserve and Release take a
// database.Querier so the order factory can pass its open transaction and
// make reservation part of order creation.
type Ledger interface {
	// GetVariant retrieves a variant by its unique identifier.
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)

	// GetVariants retrieves multiple variants keyed by id.
	GetVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error)

	// Reserve atomically decrements stock by qty. Zero rows affected means the
	// caller lost the stock race and gets InsufficientStockError. Unlimited
	// variants always succeed without decrementing.
	Reserve(ctx context.Context, q database.Querier, variantID string, qty int, referenceID string) error

	// Release returns qty units to stock. It is only safe under a state-machine
	// guard that prevents double-restocking. Unlimited variants are a no-op.
	Release(ctx context.Context, q database.Querier, variantID string, qty int, reason, referenceID string) error

	// Adjust applies an absolute delta (admin restock or correction) and
	// records the movement, in its own transaction.
	Adjust(ctx context.Context, variantID string, delta int, referenceID *string) (*domain.Variant, error)

	// ListLowStock returns variants at or below the given threshold.
	ListLowStock(ctx context.Context, threshold, page, perPage int) ([]domain.Variant, int, error)
}
