package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/storefront/internal/cart/domain"
	"github.com/harborline/storefront/internal/cart/event"
	"github.com/harborline/storefront/internal/cart/repository"
	discrepo "github.com/harborline/storefront/internal/discount/repository"
	discservice "github.com/harborline/storefront/internal/discount/service"
	invdomain "github.com/harborline/storefront/internal/inventory/domain"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// Cart operation upper-bound limits to prevent abuse.
const (
	// MaxQuantityPerItem is the maximum quantity allowed for a single cart line.
	MaxQuantityPerItem = 100
	// MaxItemsPerCart is the maximum number of distinct lines allowed in a cart.
	MaxItemsPerCart = 50
)

// VariantReader reads live variants for the soft stock checks.
type VariantReader interface {
	GetVariant(ctx context.Context, variantID string) (*invdomain.Variant, error)
}

// DiscountValidator runs the lock-free discount rule ladder at cart-apply time.
type DiscountValidator interface {
	Validate(ctx context.Context, code string, subtotal int64, customer discrepo.CustomerIdentity) (*discservice.Validation, error)
}

// CartService implements the business logic for cart operations. Stock checks
// here are soft, for UX; the hard check happens inside the order-creation
// transaction.
type CartService struct {
	repo      repository.CartRepository
	variants  VariantReader
	discounts DiscountValidator
	producer  *event.Producer
	logger    *slog.Logger
	cartTTL   time.Duration
}

// NewCartService creates a new cart service.
func NewCartService(repo repository.CartRepository, variants VariantReader, discounts DiscountValidator, producer *event.Producer, logger *slog.Logger, cartTTL time.Duration) *CartService {
	return &CartService{
		repo:      repo,
		variants:  variants,
		discounts: discounts,
		producer:  producer,
		logger:    logger,
		cartTTL:   cartTTL,
	}
}

// GetCart retrieves the cart for an owner. If no cart exists, returns an empty cart.
func (s *CartService) GetCart(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}

	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return s.newEmptyCart(owner), nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	return cart, nil
}

// AddItem adds a variant to the owner's cart, merging quantities when the
// variant is already present. The display snapshot (name, sku, price) is
// refreshed from the live variant on every add.
func (s *CartService) AddItem(ctx context.Context, owner domain.Owner, variantID string, quantity int) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}
	if variantID == "" {
		return nil, apperrors.InvalidInput("variant id is required")
	}
	if quantity <= 0 {
		return nil, apperrors.InvalidInput("quantity must be greater than 0")
	}
	if quantity > MaxQuantityPerItem {
		return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}

	variant, err := s.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("variant", variantID)
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	cart, err := s.getOrCreateCart(ctx, owner)
	if err != nil {
		return nil, err
	}

	expectedVersion := cart.Version

	newQty := quantity
	idx := cart.FindItemIndex(variantID)
	if idx >= 0 {
		newQty = cart.Items[idx].Quantity + quantity
	}
	if newQty > MaxQuantityPerItem {
		return nil, apperrors.InvalidInput(fmt.Sprintf("combined quantity must not exceed %d", MaxQuantityPerItem))
	}
	if err := checkLiveStock(variant, newQty); err != nil {
		return nil, err
	}

	if idx >= 0 {
		cart.Items[idx].Quantity = newQty
		cart.Items[idx].Name = variant.Name
		cart.Items[idx].SKU = variant.SKU
		cart.Items[idx].Price = variant.Price
	} else {
		if len(cart.Items) >= MaxItemsPerCart {
			return nil, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d items", MaxItemsPerCart))
		}
		cart.Items = append(cart.Items, domain.CartItem{
			VariantID: variantID,
			Name:      variant.Name,
			SKU:       variant.SKU,
			Price:     variant.Price,
			Quantity:  quantity,
		})
	}

	if err := s.saveCart(ctx, cart, expectedVersion); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "item added to cart",
		slog.String("owner", owner.Key()),
		slog.String("variant_id", variantID),
		slog.Int("quantity", quantity),
	)

	return cart, nil
}

// UpdateItem sets the quantity of a cart line. A quantity of 0 removes it.
func (s *CartService) UpdateItem(ctx context.Context, owner domain.Owner, variantID string, quantity int) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}
	if variantID == "" {
		return nil, apperrors.InvalidInput("variant id is required")
	}
	if quantity < 0 {
		return nil, apperrors.InvalidInput("quantity must not be negative")
	}
	if quantity > MaxQuantityPerItem {
		return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}

	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("get cart for update: %w", err)
	}

	expectedVersion := cart.Version

	idx := cart.FindItemIndex(variantID)
	if idx < 0 {
		return nil, apperrors.NotFound("cart item", variantID)
	}

	if quantity == 0 {
		cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	} else {
		variant, err := s.variants.GetVariant(ctx, variantID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.NotFound("variant", variantID)
			}
			return nil, fmt.Errorf("get variant: %w", err)
		}
		if err := checkLiveStock(variant, quantity); err != nil {
			return nil, err
		}
		cart.Items[idx].Quantity = quantity
		cart.Items[idx].Name = variant.Name
		cart.Items[idx].SKU = variant.SKU
		cart.Items[idx].Price = variant.Price
	}

	if err := s.saveCart(ctx, cart, expectedVersion); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "cart item quantity updated",
		slog.String("owner", owner.Key()),
		slog.String("variant_id", variantID),
		slog.Int("quantity", quantity),
	)

	return cart, nil
}

// RemoveItem removes a specific line from the cart.
func (s *CartService) RemoveItem(ctx context.Context, owner domain.Owner, variantID string) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}
	if variantID == "" {
		return nil, apperrors.InvalidInput("variant id is required")
	}

	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("get cart for remove: %w", err)
	}

	expectedVersion := cart.Version

	idx := cart.FindItemIndex(variantID)
	if idx < 0 {
		return nil, apperrors.NotFound("cart item", variantID)
	}
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)

	if err := s.saveCart(ctx, cart, expectedVersion); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "item removed from cart",
		slog.String("owner", owner.Key()),
		slog.String("variant_id", variantID),
	)

	return cart, nil
}

// ClearCart removes the owner's cart entirely.
func (s *CartService) ClearCart(ctx context.Context, owner domain.Owner) error {
	if owner.IsZero() {
		return apperrors.InvalidInput("cart owner is required")
	}

	if err := s.repo.Delete(ctx, owner); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}

	if err := s.producer.PublishCartCleared(ctx, owner); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.cleared event",
			slog.String("owner", owner.Key()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "cart cleared",
		slog.String("owner", owner.Key()),
	)

	return nil
}

// ApplyDiscount validates a code against the cart's current subtotal and
// stores the normalized code on success. The code is not consumed here;
// consumption happens inside the order-creation transaction.
func (s *CartService) ApplyDiscount(ctx context.Context, owner domain.Owner, code, guestEmail string) (*domain.Cart, int64, error) {
	if owner.IsZero() {
		return nil, 0, apperrors.InvalidInput("cart owner is required")
	}
	if code == "" {
		return nil, 0, apperrors.InvalidInput("discount code is required")
	}

	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, 0, apperrors.InvalidInput("cart is empty")
		}
		return nil, 0, fmt.Errorf("get cart: %w", err)
	}
	if len(cart.Items) == 0 {
		return nil, 0, apperrors.InvalidInput("cart is empty")
	}

	expectedVersion := cart.Version

	customer := discrepo.CustomerIdentity{
		UserID:     owner.UserID,
		GuestEmail: guestEmail,
	}

	result, err := s.discounts.Validate(ctx, code, cart.Subtotal(), customer)
	if err != nil {
		return nil, 0, err
	}

	cart.CouponCode = result.Code
	if err := s.saveCart(ctx, cart, expectedVersion); err != nil {
		return nil, 0, err
	}

	s.logger.InfoContext(ctx, "discount applied to cart",
		slog.String("owner", owner.Key()),
		slog.String("code", result.Code),
	)

	return cart, result.DiscountAmount, nil
}

// RemoveDiscount detaches the applied code from the cart.
func (s *CartService) RemoveDiscount(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}

	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if cart.CouponCode == "" {
		return cart, nil
	}

	expectedVersion := cart.Version
	cart.CouponCode = ""

	if err := s.saveCart(ctx, cart, expectedVersion); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "discount removed from cart",
		slog.String("owner", owner.Key()),
	)

	return cart, nil
}

// Validate re-checks every cart line against live stock and returns the list
// of issues without mutating the cart. Checkout is blocked until the list is
// empty.
func (s *CartService) Validate(ctx context.Context, owner domain.Owner) ([]domain.Issue, error) {
	if owner.IsZero() {
		return nil, apperrors.InvalidInput("cart owner is required")
	}

	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return []domain.Issue{}, nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	issues := []domain.Issue{}
	for _, item := range cart.Items {
		variant, err := s.variants.GetVariant(ctx, item.VariantID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				issues = append(issues, domain.Issue{
					VariantID: item.VariantID,
					Reason:    domain.IssueUnavailable,
					Requested: item.Quantity,
				})
				continue
			}
			return nil, fmt.Errorf("get variant: %w", err)
		}

		switch {
		case variant.IsUnlimited():
		case variant.Stock == 0:
			issues = append(issues, domain.Issue{
				VariantID: item.VariantID,
				Reason:    domain.IssueOutOfStock,
				Requested: item.Quantity,
			})
		case item.Quantity > variant.Stock:
			issues = append(issues, domain.Issue{
				VariantID: item.VariantID,
				Reason:    domain.IssueInsufficientStock,
				Requested: item.Quantity,
				Available: variant.Stock,
			})
		}
	}

	return issues, nil
}

// Merge folds the guest cart into the user's cart at login: duplicate
// variants are summed and capped at live stock, then the guest cart is
// discarded. Merge never fails the login flow; every error is logged and the
// merge retried opportunistically at the next login.
func (s *CartService) Merge(ctx context.Context, guestToken, userID string) *domain.Cart {
	guestOwner := domain.Owner{GuestToken: guestToken}
	userOwner := domain.Owner{UserID: userID}

	userCart, err := s.getOrCreateCart(ctx, userOwner)
	if err != nil {
		s.logger.ErrorContext(ctx, "cart merge: failed to load user cart",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	guestCart, err := s.repo.Get(ctx, guestOwner)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.ErrorContext(ctx, "cart merge: failed to load guest cart",
				slog.String("guest_token", guestToken),
				slog.String("error", err.Error()),
			)
		}
		return userCart
	}

	expectedVersion := userCart.Version

	for _, guestItem := range guestCart.Items {
		idx := userCart.FindItemIndex(guestItem.VariantID)
		quantity := guestItem.Quantity
		if idx >= 0 {
			quantity += userCart.Items[idx].Quantity
		}
		if quantity > MaxQuantityPerItem {
			quantity = MaxQuantityPerItem
		}

		variant, err := s.variants.GetVariant(ctx, guestItem.VariantID)
		if err != nil {
			// The variant vanished since the guest added it. Drop the line.
			s.logger.WarnContext(ctx, "cart merge: dropping unavailable variant",
				slog.String("variant_id", guestItem.VariantID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !variant.IsUnlimited() && quantity > variant.Stock {
			quantity = variant.Stock
		}
		if quantity <= 0 {
			continue
		}

		if idx >= 0 {
			userCart.Items[idx].Quantity = quantity
		} else {
			userCart.Items = append(userCart.Items, domain.CartItem{
				VariantID: guestItem.VariantID,
				Name:      variant.Name,
				SKU:       variant.SKU,
				Price:     variant.Price,
				Quantity:  quantity,
			})
		}
	}

	now := time.Now().UTC()
	userCart.UpdatedAt = now
	userCart.ExpiresAt = now.Add(s.cartTTL)

	ok, err := s.repo.SaveIfVersion(ctx, userCart, expectedVersion)
	if err != nil || !ok {
		s.logger.ErrorContext(ctx, "cart merge: failed to save merged cart",
			slog.String("user_id", userID),
			slog.Bool("version_conflict", err == nil),
		)
		return userCart
	}

	if err := s.repo.Delete(ctx, guestOwner); err != nil {
		s.logger.ErrorContext(ctx, "cart merge: failed to discard guest cart",
			slog.String("guest_token", guestToken),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "guest cart merged",
		slog.String("user_id", userID),
		slog.Int("item_count", userCart.ItemCount()),
	)

	return userCart
}

// saveCart stamps timestamps, performs the optimistic save, and publishes the
// cart.updated event.
func (s *CartService) saveCart(ctx context.Context, cart *domain.Cart, expectedVersion int) error {
	now := time.Now().UTC()
	cart.UpdatedAt = now
	cart.ExpiresAt = now.Add(s.cartTTL)

	ok, err := s.repo.SaveIfVersion(ctx, cart, expectedVersion)
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	if !ok {
		return apperrors.Conflict("cart was modified concurrently, please retry")
	}

	if err := s.producer.PublishCartUpdated(ctx, cart); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.updated event",
			slog.String("owner", cart.Owner.Key()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// getOrCreateCart retrieves the cart for an owner, creating an empty one if it does not exist.
func (s *CartService) getOrCreateCart(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return s.newEmptyCart(owner), nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return cart, nil
}

// newEmptyCart creates a new empty cart for the given owner.
func (s *CartService) newEmptyCart(owner domain.Owner) *domain.Cart {
	now := time.Now().UTC()
	return &domain.Cart{
		ID:        uuid.New().String(),
		Owner:     owner,
		Items:     []domain.CartItem{},
		Currency:  "USD",
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cartTTL),
	}
}

// checkLiveStock enforces the soft stock clamp. Out-of-stock and
// insufficient-stock are distinct signals so the UI can message them
// differently.
func checkLiveStock(variant *invdomain.Variant, requested int) error {
	if variant.IsUnlimited() {
		return nil
	}
	if variant.Stock == 0 {
		return stockConflict(&invdomain.OutOfStockError{VariantID: variant.ID}, "OUT_OF_STOCK")
	}
	if requested > variant.Stock {
		return stockConflict(&invdomain.InsufficientStockError{
			VariantID: variant.ID,
			Requested: requested,
			Available: variant.Stock,
		}, "INSUFFICIENT_STOCK")
	}
	return nil
}

func stockConflict(err error, code string) error {
	return &apperrors.AppError{
		Code:    code,
		Message: err.Error(),
		Status:  http.StatusConflict,
		Err:     err,
	}
}
