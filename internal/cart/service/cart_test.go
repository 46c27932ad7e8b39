package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harborline/storefront/internal/cart/domain"
	"github.com/harborline/storefront/internal/cart/event"
	discrepo "github.com/harborline/storefront/internal/discount/repository"
	discservice "github.com/harborline/storefront/internal/discount/service"
	invdomain "github.com/harborline/storefront/internal/inventory/domain"
	apperrors "github.com/harborline/storefront/pkg/errors"
	pkgkafka "github.com/harborline/storefront/pkg/kafka"
)

// --- Mocks ---

type mockCartRepository struct {
	mock.Mock
}

func (m *mockCartRepository) Get(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Cart), args.Error(1)
}

func (m *mockCartRepository) Save(ctx context.Context, cart *domain.Cart) error {
	args := m.Called(ctx, cart)
	return args.Error(0)
}

func (m *mockCartRepository) SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error) {
	args := m.Called(ctx, cart, expectedVersion)
	return args.Bool(0), args.Error(1)
}

func (m *mockCartRepository) Delete(ctx context.Context, owner domain.Owner) error {
	args := m.Called(ctx, owner)
	return args.Error(0)
}

type mockVariantReader struct {
	mock.Mock
}

func (m *mockVariantReader) GetVariant(ctx context.Context, variantID string) (*invdomain.Variant, error) {
	args := m.Called(ctx, variantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invdomain.Variant), args.Error(1)
}

type mockDiscountValidator struct {
	mock.Mock
}

func (m *mockDiscountValidator) Validate(ctx context.Context, code string, subtotal int64, customer discrepo.CustomerIdentity) (*discservice.Validation, error) {
	args := m.Called(ctx, code, subtotal, customer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*discservice.Validation), args.Error(1)
}

// --- Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(repo *mockCartRepository, variants *mockVariantReader, discounts *mockDiscountValidator) *CartService {
	logger := newTestLogger()
	// A Kafka producer with no reachable broker: publishes fail and are logged.
	kafkaCfg := pkgkafka.DefaultProducerConfig([]string{"localhost:9092"})
	producer := event.NewProducer(pkgkafka.NewProducer(kafkaCfg, logger), logger)
	return NewCartService(repo, variants, discounts, producer, logger, 7*24*time.Hour)
}

func userOwner() domain.Owner {
	return domain.Owner{UserID: "user-1"}
}

func cartWithItem(owner domain.Owner, variantID string, qty int) *domain.Cart {
	now := time.Now().UTC()
	return &domain.Cart{
		ID:    "cart-123",
		Owner: owner,
		Items: []domain.CartItem{
			{
				VariantID: variantID,
				Name:      "Test Product",
				SKU:       "TP-001",
				Price:     1999,
				Quantity:  qty,
			},
		},
		Currency:  "USD",
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
}

func variantWithStock(id string, stock int) *invdomain.Variant {
	return &invdomain.Variant{
		ID:        id,
		ProductID: "prod-1",
		Name:      "Test Product",
		SKU:       "TP-001",
		Price:     1999,
		Stock:     stock,
	}
}

// --- Tests ---

func TestGetCart_Empty(t *testing.T) {
	repo := new(mockCartRepository)
	svc := newTestService(repo, new(mockVariantReader), new(mockDiscountValidator))
	ctx := context.Background()

	repo.On("Get", ctx, userOwner()).Return(nil, apperrors.NotFound("cart", "user:user-1"))

	cart, err := svc.GetCart(ctx, userOwner())

	require.NoError(t, err)
	assert.NotEmpty(t, cart.ID)
	assert.Equal(t, "user-1", cart.Owner.UserID)
	assert.Empty(t, cart.Items)
	assert.Equal(t, "USD", cart.Currency)
	repo.AssertExpectations(t)
}

func TestAddItem_OutOfStock(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", 0), nil)
	repo.On("Get", ctx, userOwner()).Return(nil, apperrors.NotFound("cart", "user:user-1"))

	_, err := svc.AddItem(ctx, userOwner(), "var-1", 1)
	require.Error(t, err)

	var oos *invdomain.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "var-1", oos.VariantID)
	repo.AssertNotCalled(t, "SaveIfVersion", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddItem_InsufficientStock(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", 3), nil)
	repo.On("Get", ctx, userOwner()).Return(cartWithItem(userOwner(), "var-1", 2), nil)

	// 2 already in cart + 2 more exceeds the 3 available.
	_, err := svc.AddItem(ctx, userOwner(), "var-1", 2)
	require.Error(t, err)

	var insufficient *invdomain.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4, insufficient.Requested)
	assert.Equal(t, 3, insufficient.Available)
}

func TestAddItem_UnlimitedStockAlwaysPasses(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", invdomain.StockUnlimited), nil)
	repo.On("Get", ctx, userOwner()).Return(nil, apperrors.NotFound("cart", "user:user-1"))
	repo.On("SaveIfVersion", ctx, mock.Anything, 0).Return(true, nil)

	cart, err := svc.AddItem(ctx, userOwner(), "var-1", 50)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 50, cart.Items[0].Quantity)
}

func TestAddItem_MergesExistingLineAndRefreshesSnapshot(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	variant := variantWithStock("var-1", 10)
	variant.Price = 2499
	variants.On("GetVariant", ctx, "var-1").Return(variant, nil)

	existing := cartWithItem(userOwner(), "var-1", 2)
	repo.On("Get", ctx, userOwner()).Return(existing, nil)
	repo.On("SaveIfVersion", ctx, existing, 3).Return(true, nil)

	cart, err := svc.AddItem(ctx, userOwner(), "var-1", 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.Equal(t, int64(2499), cart.Items[0].Price)
}

func TestAddItem_ConcurrentModification(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", 10), nil)
	repo.On("Get", ctx, userOwner()).Return(cartWithItem(userOwner(), "var-1", 1), nil)
	repo.On("SaveIfVersion", ctx, mock.Anything, 3).Return(false, nil)

	_, err := svc.AddItem(ctx, userOwner(), "var-1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestUpdateItem_ZeroRemovesLine(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	repo.On("Get", ctx, userOwner()).Return(cartWithItem(userOwner(), "var-1", 2), nil)
	repo.On("SaveIfVersion", ctx, mock.Anything, 3).Return(true, nil)

	cart, err := svc.UpdateItem(ctx, userOwner(), "var-1", 0)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
	variants.AssertNotCalled(t, "GetVariant", mock.Anything, mock.Anything)
}

func TestUpdateItem_NotInCart(t *testing.T) {
	repo := new(mockCartRepository)
	svc := newTestService(repo, new(mockVariantReader), new(mockDiscountValidator))
	ctx := context.Background()

	repo.On("Get", ctx, userOwner()).Return(cartWithItem(userOwner(), "var-1", 2), nil)

	_, err := svc.UpdateItem(ctx, userOwner(), "var-2", 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApplyDiscount_StoresNormalizedCode(t *testing.T) {
	repo := new(mockCartRepository)
	discounts := new(mockDiscountValidator)
	svc := newTestService(repo, new(mockVariantReader), discounts)
	ctx := context.Background()

	existing := cartWithItem(userOwner(), "var-1", 2) // subtotal 3998
	repo.On("Get", ctx, userOwner()).Return(existing, nil)
	discounts.On("Validate", ctx, "save10", int64(3998), discrepo.CustomerIdentity{UserID: "user-1"}).
		Return(&discservice.Validation{Code: "SAVE10", DiscountAmount: 399}, nil)
	repo.On("SaveIfVersion", ctx, existing, 3).Return(true, nil)

	cart, amount, err := svc.ApplyDiscount(ctx, userOwner(), "save10", "")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", cart.CouponCode)
	assert.Equal(t, int64(399), amount)
}

func TestApplyDiscount_EmptyCart(t *testing.T) {
	repo := new(mockCartRepository)
	svc := newTestService(repo, new(mockVariantReader), new(mockDiscountValidator))
	ctx := context.Background()

	repo.On("Get", ctx, userOwner()).Return(nil, apperrors.NotFound("cart", "user:user-1"))

	_, _, err := svc.ApplyDiscount(ctx, userOwner(), "SAVE10", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestValidate_FlagsIssuesWithoutMutating(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	cart := cartWithItem(userOwner(), "var-1", 5)
	cart.Items = append(cart.Items,
		domain.CartItem{VariantID: "var-2", Name: "B", SKU: "B-1", Price: 100, Quantity: 1},
		domain.CartItem{VariantID: "var-3", Name: "C", SKU: "C-1", Price: 100, Quantity: 1},
	)
	repo.On("Get", ctx, userOwner()).Return(cart, nil)

	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", 2), nil)
	variants.On("GetVariant", ctx, "var-2").Return(variantWithStock("var-2", 0), nil)
	variants.On("GetVariant", ctx, "var-3").Return(nil, apperrors.ErrNotFound)

	issues, err := svc.Validate(ctx, userOwner())
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, domain.IssueInsufficientStock, issues[0].Reason)
	assert.Equal(t, 2, issues[0].Available)
	assert.Equal(t, domain.IssueOutOfStock, issues[1].Reason)
	assert.Equal(t, domain.IssueUnavailable, issues[2].Reason)

	repo.AssertNotCalled(t, "SaveIfVersion", mock.Anything, mock.Anything, mock.Anything)
}

func TestValidate_NoCartIsClean(t *testing.T) {
	repo := new(mockCartRepository)
	svc := newTestService(repo, new(mockVariantReader), new(mockDiscountValidator))
	ctx := context.Background()

	repo.On("Get", ctx, userOwner()).Return(nil, apperrors.NotFound("cart", "user:user-1"))

	issues, err := svc.Validate(ctx, userOwner())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestMerge_SumsAndCapsAtLiveStock(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	guestOwner := domain.Owner{GuestToken: "tok-1"}
	guestCart := cartWithItem(guestOwner, "var-1", 3)
	userCart := cartWithItem(userOwner(), "var-1", 2)

	repo.On("Get", ctx, userOwner()).Return(userCart, nil)
	repo.On("Get", ctx, guestOwner).Return(guestCart, nil)
	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", 4), nil)
	repo.On("SaveIfVersion", ctx, userCart, 3).Return(true, nil)
	repo.On("Delete", ctx, guestOwner).Return(nil)

	merged := svc.Merge(ctx, "tok-1", "user-1")

	require.NotNil(t, merged)
	require.Len(t, merged.Items, 1)
	// 2 + 3 capped at live stock of 4.
	assert.Equal(t, 4, merged.Items[0].Quantity)
	repo.AssertExpectations(t)
}

func TestMerge_NoGuestCartIsNoOp(t *testing.T) {
	repo := new(mockCartRepository)
	svc := newTestService(repo, new(mockVariantReader), new(mockDiscountValidator))
	ctx := context.Background()

	guestOwner := domain.Owner{GuestToken: "tok-1"}
	userCart := cartWithItem(userOwner(), "var-1", 2)

	repo.On("Get", ctx, userOwner()).Return(userCart, nil)
	repo.On("Get", ctx, guestOwner).Return(nil, apperrors.NotFound("cart", "guest:tok-1"))

	merged := svc.Merge(ctx, "tok-1", "user-1")

	require.NotNil(t, merged)
	assert.Equal(t, userCart, merged)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestMerge_SaveFailureNeverSurfaces(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	guestOwner := domain.Owner{GuestToken: "tok-1"}
	guestCart := cartWithItem(guestOwner, "var-1", 1)
	userCart := cartWithItem(userOwner(), "var-2", 1)

	repo.On("Get", ctx, userOwner()).Return(userCart, nil)
	repo.On("Get", ctx, guestOwner).Return(guestCart, nil)
	variants.On("GetVariant", ctx, "var-1").Return(variantWithStock("var-1", 5), nil)
	repo.On("SaveIfVersion", ctx, userCart, 3).Return(false, nil)

	merged := svc.Merge(ctx, "tok-1", "user-1")

	// The login flow still gets a cart back; the guest cart survives for a retry.
	require.NotNil(t, merged)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestMerge_DropsVanishedVariant(t *testing.T) {
	repo := new(mockCartRepository)
	variants := new(mockVariantReader)
	svc := newTestService(repo, variants, new(mockDiscountValidator))
	ctx := context.Background()

	guestOwner := domain.Owner{GuestToken: "tok-1"}
	guestCart := cartWithItem(guestOwner, "var-gone", 2)
	userCart := cartWithItem(userOwner(), "var-1", 1)

	repo.On("Get", ctx, userOwner()).Return(userCart, nil)
	repo.On("Get", ctx, guestOwner).Return(guestCart, nil)
	variants.On("GetVariant", ctx, "var-gone").Return(nil, apperrors.ErrNotFound)
	repo.On("SaveIfVersion", ctx, userCart, 3).Return(true, nil)
	repo.On("Delete", ctx, guestOwner).Return(nil)

	merged := svc.Merge(ctx, "tok-1", "user-1")

	require.NotNil(t, merged)
	require.Len(t, merged.Items, 1)
	assert.Equal(t, "var-1", merged.Items[0].VariantID)
}

func TestClearCart_DeletesAndPublishes(t *testing.T) {
	repo := new(mockCartRepository)
	svc := newTestService(repo, new(mockVariantReader), new(mockDiscountValidator))
	ctx := context.Background()

	repo.On("Delete", ctx, userOwner()).Return(nil)

	err := svc.ClearCart(ctx, userOwner())
	require.NoError(t, err)
	repo.AssertExpectations(t)
}
