package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harborline/storefront/internal/inventory/domain"
	"github.com/harborline/storefront/internal/inventory/repository"
	apperrors "github.com/harborline/storefront/pkg/errors"
	"github.com/harborline/storefront/pkg/validator"
)

// InventoryService implements the admin-facing stock operations. The hot-path
// Reserve/Release primitives are consumed directly by the order factory
// through the repository so they can join its transaction.
type InventoryService struct {
	ledger repository.Ledger
	logger *slog.Logger
}

// NewInventoryService creates a new inventory service.
func NewInventoryService(ledger repository.Ledger, logger *slog.Logger) *InventoryService {
	return &InventoryService{
		ledger: ledger,
		logger: logger,
	}
}

// GetVariant returns a variant with its live stock.
func (s *InventoryService) GetVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	v, err := s.ledger.GetVariant(ctx, variantID)
	if err != nil {
		return nil, fmt.Errorf("get variant: %w", err)
	}
	return v, nil
}

// AdjustStockInput holds the parameters for an admin stock adjustment.
type AdjustStockInput struct {
	VariantID   string  `json:"variant_id" validate:"required,uuid"`
	Delta       int     `json:"delta"`
	ReferenceID *string `json:"reference_id,omitempty"`
}

// AdjustStock applies a manual stock correction and records the movement.
func (s *InventoryService) AdjustStock(ctx context.Context, input AdjustStockInput) (*domain.Variant, error) {
	if err := validator.Validate(input); err != nil {
		return nil, err
	}
	if input.Delta == 0 {
		return nil, apperrors.InvalidInput("delta must be non-zero")
	}

	v, err := s.ledger.Adjust(ctx, input.VariantID, input.Delta, input.ReferenceID)
	if err != nil {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}

	s.logger.InfoContext(ctx, "stock adjusted",
		slog.String("variant_id", input.VariantID),
		slog.Int("delta", input.Delta),
		slog.Int("stock", v.Stock),
	)

	return v, nil
}

// ListLowStock returns variants at or below the threshold for restock review.
func (s *InventoryService) ListLowStock(ctx context.Context, threshold, page, perPage int) ([]domain.Variant, int, error) {
	if threshold < 0 {
		return nil, 0, apperrors.InvalidInput("threshold must be non-negative")
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	variants, total, err := s.ledger.ListLowStock(ctx, threshold, page, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list low stock: %w", err)
	}

	return variants, total, nil
}
