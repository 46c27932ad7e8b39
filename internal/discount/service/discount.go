package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/storefront/internal/discount/domain"
	"github.com/harborline/storefront/internal/discount/repository"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// DiscountService implements discount validation and admin management.
type DiscountService struct {
	repo   repository.DiscountRepository
	pool   database.DBTX
	logger *slog.Logger
}

// NewDiscountService creates a new discount service.
func NewDiscountService(repo repository.DiscountRepository, pool database.DBTX, logger *slog.Logger) *DiscountService {
	return &DiscountService{
		repo:   repo,
		pool:   pool,
		logger: logger,
	}
}

// Validation is the result of a successful discount check.
type Validation struct {
	Code           string `json:"code"`
	DiscountAmount int64  `json:"discount_amount"`
}

// Validate runs the full rule ladder lock-free: existence, active flag, date
// window, minimum purchase, global cap, per-customer cap. Used at
// cart-apply time; the same rules run again under locks at order creation.
func (s *DiscountService) Validate(ctx context.Context, code string, subtotal int64, customer repository.CustomerIdentity) (*Validation, error) {
	normalized := domain.NormalizeCode(code)
	if normalized == "" {
		return nil, apperrors.InvalidInput("discount code is required")
	}

	d, err := s.repo.GetByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, rejection(&domain.RejectionError{
				Reason:  domain.RejectNotFound,
				Message: "discount code not found",
			})
		}
		return nil, fmt.Errorf("get discount by code: %w", err)
	}

	customerUses, err := s.repo.CountCustomerUses(ctx, s.pool, normalized, customer)
	if err != nil {
		return nil, fmt.Errorf("count customer uses: %w", err)
	}

	if rej := d.Check(time.Now().UTC(), subtotal, customerUses); rej != nil {
		return nil, rejection(rej)
	}

	return &Validation{
		Code:           normalized,
		DiscountAmount: d.ComputeAmount(subtotal),
	}, nil
}

// CheckAndConsume re-validates under a row lock and increments the usage
// counter, all inside the caller's transaction. This is the second half of
// the intentionally duplicated validation: cart-apply checks are stale by
// the time an order commits.
func (s *DiscountService) CheckAndConsume(ctx context.Context, q database.Querier, code string, subtotal int64, customer repository.CustomerIdentity) (int64, error) {
	normalized := domain.NormalizeCode(code)

	d, err := s.repo.GetByCodeForUpdate(ctx, q, normalized)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, rejection(&domain.RejectionError{
				Reason:  domain.RejectNotFound,
				Message: "discount code not found",
			})
		}
		return 0, fmt.Errorf("lock discount: %w", err)
	}

	customerUses, err := s.repo.CountCustomerUses(ctx, q, normalized, customer)
	if err != nil {
		return 0, fmt.Errorf("count customer uses: %w", err)
	}

	if rej := d.Check(time.Now().UTC(), subtotal, customerUses); rej != nil {
		return 0, rejection(rej)
	}

	consumed, err := s.repo.Consume(ctx, q, normalized)
	if err != nil {
		return 0, fmt.Errorf("consume discount: %w", err)
	}
	if !consumed {
		return 0, rejection(&domain.RejectionError{
			Reason:  domain.RejectGlobalUsesExhausted,
			Message: "this discount code has been fully redeemed",
		})
	}

	return d.ComputeAmount(subtotal), nil
}

// CreateDiscountInput holds the parameters for creating a discount.
type CreateDiscountInput struct {
	Code            string    `json:"code" validate:"required,min=2,max=50"`
	Type            string    `json:"type" validate:"required,oneof=percentage fixed"`
	Value           int64     `json:"value" validate:"required,gt=0"`
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	ExpiresAt       time.Time `json:"expires_at" validate:"required"`
	MaxUses         *int      `json:"max_uses"`
	UsesPerCustomer int       `json:"uses_per_customer"`
	MinimumPurchase *int64    `json:"minimum_purchase"`
}

// CreateDiscount creates a new discount code (admin).
func (s *DiscountService) CreateDiscount(ctx context.Context, input CreateDiscountInput) (*domain.Discount, error) {
	if !domain.IsValidType(input.Type) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("invalid discount type %q", input.Type))
	}
	if input.Type == domain.TypePercentage && (input.Value <= 0 || input.Value > 100) {
		return nil, apperrors.InvalidInput("percentage value must be in (0,100]")
	}
	if input.Value <= 0 {
		return nil, apperrors.InvalidInput("discount value must be positive")
	}
	if !input.ExpiresAt.After(input.StartsAt) {
		return nil, apperrors.InvalidInput("expires_at must be after starts_at")
	}
	if input.MaxUses != nil && *input.MaxUses <= 0 {
		return nil, apperrors.InvalidInput("max_uses must be positive when set")
	}
	if input.MinimumPurchase != nil && *input.MinimumPurchase < 0 {
		return nil, apperrors.InvalidInput("minimum_purchase must not be negative")
	}

	usesPerCustomer := input.UsesPerCustomer
	if usesPerCustomer <= 0 {
		usesPerCustomer = 1
	}

	now := time.Now().UTC()
	d := &domain.Discount{
		ID:              uuid.New().String(),
		Code:            domain.NormalizeCode(input.Code),
		Type:            input.Type,
		Value:           input.Value,
		StartsAt:        input.StartsAt,
		ExpiresAt:       input.ExpiresAt,
		MaxUses:         input.MaxUses,
		UsedCount:       0,
		UsesPerCustomer: usesPerCustomer,
		MinimumPurchase: input.MinimumPurchase,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create discount: %w", err)
	}

	s.logger.InfoContext(ctx, "discount created",
		slog.String("discount_id", d.ID),
		slog.String("code", d.Code),
	)

	return d, nil
}

// ListDiscounts returns a paginated list of discounts (admin).
func (s *DiscountService) ListDiscounts(ctx context.Context, page, perPage int) ([]domain.Discount, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	discounts, total, err := s.repo.List(ctx, page, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list discounts: %w", err)
	}

	return discounts, total, nil
}

// DeactivateDiscount switches a discount off (admin).
func (s *DiscountService) DeactivateDiscount(ctx context.Context, id string) error {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return fmt.Errorf("deactivate discount: %w", err)
	}

	s.logger.InfoContext(ctx, "discount deactivated", slog.String("discount_id", id))

	return nil
}

// rejection wraps a typed domain rejection into an AppError so handlers
// surface the specific reason with a 422.
func rejection(rej *domain.RejectionError) error {
	return &apperrors.AppError{
		Code:    "DISCOUNT_" + strings.ToUpper(rej.Reason),
		Message: rej.Message,
		Status:  http.StatusUnprocessableEntity,
		Err:     rej,
	}
}
