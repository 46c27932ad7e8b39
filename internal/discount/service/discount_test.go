package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harborline/storefront/internal/discount/domain"
	"github.com/harborline/storefront/internal/discount/repository"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Create(ctx context.Context, d *domain.Discount) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *mockRepo) GetByCode(ctx context.Context, code string) (*domain.Discount, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Discount), args.Error(1)
}

func (m *mockRepo) GetByCodeForUpdate(ctx context.Context, q database.Querier, code string) (*domain.Discount, error) {
	args := m.Called(ctx, q, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Discount), args.Error(1)
}

func (m *mockRepo) CountCustomerUses(ctx context.Context, q database.Querier, code string, customer repository.CustomerIdentity) (int, error) {
	args := m.Called(ctx, q, code, customer)
	return args.Int(0), args.Error(1)
}

func (m *mockRepo) Consume(ctx context.Context, q database.Querier, code string) (bool, error) {
	args := m.Called(ctx, q, code)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) List(ctx context.Context, page, perPage int) ([]domain.Discount, int, error) {
	args := m.Called(ctx, page, perPage)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]domain.Discount), args.Int(1), args.Error(2)
}

func (m *mockRepo) SetActive(ctx context.Context, id string, active bool) error {
	args := m.Called(ctx, id, active)
	return args.Error(0)
}

func validDiscount() *domain.Discount {
	return &domain.Discount{
		ID:              "d1",
		Code:            "SAVE10",
		Type:            domain.TypePercentage,
		Value:           10,
		StartsAt:        time.Now().UTC().Add(-time.Hour),
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
		UsesPerCustomer: 1,
		IsActive:        true,
	}
}

func newService(repo *mockRepo) *DiscountService {
	return NewDiscountService(repo, nil, slog.Default())
}

func TestValidate_Success(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	repo.On("GetByCode", mock.Anything, "SAVE10").Return(validDiscount(), nil)
	repo.On("CountCustomerUses", mock.Anything, mock.Anything, "SAVE10", mock.Anything).Return(0, nil)

	result, err := svc.Validate(context.Background(), "save10", 10000, repository.CustomerIdentity{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", result.Code)
	assert.Equal(t, int64(1000), result.DiscountAmount)
}

func TestValidate_NotFoundIsTypedRejection(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	repo.On("GetByCode", mock.Anything, "NOPE").Return(nil, apperrors.ErrNotFound)

	_, err := svc.Validate(context.Background(), "nope", 10000, repository.CustomerIdentity{})
	require.Error(t, err)

	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectNotFound, rej.Reason)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.Status)
}

func TestValidate_PerCustomerExhausted(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	repo.On("GetByCode", mock.Anything, "SAVE10").Return(validDiscount(), nil)
	repo.On("CountCustomerUses", mock.Anything, mock.Anything, "SAVE10", mock.Anything).Return(1, nil)

	_, err := svc.Validate(context.Background(), "SAVE10", 10000, repository.CustomerIdentity{UserID: "u1"})

	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectPerCustomerExhausted, rej.Reason)
}

func TestCheckAndConsume_Success(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	repo.On("GetByCodeForUpdate", mock.Anything, mock.Anything, "SAVE10").Return(validDiscount(), nil)
	repo.On("CountCustomerUses", mock.Anything, mock.Anything, "SAVE10", mock.Anything).Return(0, nil)
	repo.On("Consume", mock.Anything, mock.Anything, "SAVE10").Return(true, nil)

	amount, err := svc.CheckAndConsume(context.Background(), nil, "SAVE10", 10000, repository.CustomerIdentity{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), amount)
	repo.AssertExpectations(t)
}

func TestCheckAndConsume_LostConsumeRace(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	// Check passes on the locked row but the conditional update misses:
	// treated as the global cap being exhausted by a concurrent order.
	repo.On("GetByCodeForUpdate", mock.Anything, mock.Anything, "SAVE10").Return(validDiscount(), nil)
	repo.On("CountCustomerUses", mock.Anything, mock.Anything, "SAVE10", mock.Anything).Return(0, nil)
	repo.On("Consume", mock.Anything, mock.Anything, "SAVE10").Return(false, nil)

	_, err := svc.CheckAndConsume(context.Background(), nil, "SAVE10", 10000, repository.CustomerIdentity{UserID: "u1"})

	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectGlobalUsesExhausted, rej.Reason)
}

func TestCheckAndConsume_RejectionSkipsConsume(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	expired := validDiscount()
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	repo.On("GetByCodeForUpdate", mock.Anything, mock.Anything, "SAVE10").Return(expired, nil)
	repo.On("CountCustomerUses", mock.Anything, mock.Anything, "SAVE10", mock.Anything).Return(0, nil)

	_, err := svc.CheckAndConsume(context.Background(), nil, "SAVE10", 10000, repository.CustomerIdentity{UserID: "u1"})
	require.Error(t, err)
	repo.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateDiscount_PercentageOutOfRange(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	_, err := svc.CreateDiscount(context.Background(), CreateDiscountInput{
		Code:      "BIG",
		Type:      domain.TypePercentage,
		Value:     150,
		StartsAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCreateDiscount_Success(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	repo.On("Create", mock.Anything, mock.MatchedBy(func(d *domain.Discount) bool {
		return d.Code == "SPRING" && d.UsesPerCustomer == 1 && d.IsActive
	})).Return(nil)

	d, err := svc.CreateDiscount(context.Background(), CreateDiscountInput{
		Code:      "spring",
		Type:      domain.TypeFixed,
		Value:     500,
		StartsAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "SPRING", d.Code)
	repo.AssertExpectations(t)
}

func TestValidate_RepoErrorPropagates(t *testing.T) {
	repo := new(mockRepo)
	svc := newService(repo)

	repo.On("GetByCode", mock.Anything, "SAVE10").Return(nil, errors.New("connection refused"))

	_, err := svc.Validate(context.Background(), "SAVE10", 10000, repository.CustomerIdentity{})
	require.Error(t, err)

	var rej *domain.RejectionError
	assert.False(t, errors.As(err, &rej))
}
