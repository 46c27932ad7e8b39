package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harborline/storefront/internal/discount/domain"
	"github.com/harborline/storefront/internal/discount/repository"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// DiscountRepository implements repository.DiscountRepository using PostgreSQL.
type DiscountRepository struct {
	pool database.DBTX
}

// NewDiscountRepository creates a new PostgreSQL-backed discount repository.
func NewDiscountRepository(pool database.DBTX) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

const discountColumns = `id, code, type, value, starts_at, expires_at, max_uses, used_count, uses_per_customer, minimum_purchase, is_active, created_at, updated_at`

// Create inserts a new discount.
func (r *DiscountRepository) Create(ctx context.Context, d *domain.Discount) error {
	query := `
		INSERT INTO discounts (id, code, type, value, starts_at, expires_at, max_uses, used_count, uses_per_customer, minimum_purchase, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.Code,
		d.Type,
		d.Value,
		d.StartsAt,
		d.ExpiresAt,
		d.MaxUses,
		d.UsedCount,
		d.UsesPerCustomer,
		d.MinimumPurchase,
		d.IsActive,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert discount: %w", err)
	}

	return nil
}

// GetByCode retrieves a discount by its normalized code (lock-free read).
func (r *DiscountRepository) GetByCode(ctx context.Context, code string) (*domain.Discount, error) {
	query := `SELECT ` + discountColumns + ` FROM discounts WHERE code = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, code))
}

// GetByCodeForUpdate retrieves and row-locks a discount inside the caller's
// transaction so the usage counter cannot move under us.
func (r *DiscountRepository) GetByCodeForUpdate(ctx context.Context, q database.Querier, code string) (*domain.Discount, error) {
	query := `SELECT ` + discountColumns + ` FROM discounts WHERE code = $1 FOR UPDATE`
	return r.scanOne(q.QueryRow(ctx, query, code))
}

// CountCustomerUses counts prior orders carrying the code for the customer.
// Cancelled orders do not count as a use.
func (r *DiscountRepository) CountCustomerUses(ctx context.Context, q database.Querier, code string, customer repository.CustomerIdentity) (int, error) {
	var (
		count int
		err   error
	)

	switch {
	case customer.UserID != "":
		err = q.QueryRow(ctx, `
			SELECT COUNT(*) FROM orders
			WHERE coupon_code = $1 AND user_id = $2 AND status <> 'cancelled'`,
			code, customer.UserID,
		).Scan(&count)
	case customer.GuestEmail != "":
		err = q.QueryRow(ctx, `
			SELECT COUNT(*) FROM orders
			WHERE coupon_code = $1 AND guest_email = $2 AND status <> 'cancelled'`,
			code, customer.GuestEmail,
		).Scan(&count)
	default:
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("count customer discount uses: %w", err)
	}

	return count, nil
}

// Consume conditionally increments used_count inside the caller's
// transaction. The WHERE clause is the entire cap enforcement: a zero-row
// result means a concurrent order exhausted the global cap first.
func (r *DiscountRepository) Consume(ctx context.Context, q database.Querier, code string) (bool, error) {
	query := `
		UPDATE discounts
		SET used_count = used_count + 1, updated_at = $2
		WHERE code = $1 AND is_active AND (max_uses IS NULL OR used_count < max_uses)`

	ct, err := q.Exec(ctx, query, code, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("consume discount: %w", err)
	}

	return ct.RowsAffected() == 1, nil
}

// List returns discounts ordered by creation time with the total count.
func (r *DiscountRepository) List(ctx context.Context, page, perPage int) ([]domain.Discount, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	query := `
		SELECT ` + discountColumns + `,
		       count(*) OVER() AS total_count
		FROM discounts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list discounts: %w", err)
	}
	defer rows.Close()

	var (
		discounts  []domain.Discount
		totalCount int
	)

	for rows.Next() {
		var d domain.Discount
		if err := rows.Scan(
			&d.ID,
			&d.Code,
			&d.Type,
			&d.Value,
			&d.StartsAt,
			&d.ExpiresAt,
			&d.MaxUses,
			&d.UsedCount,
			&d.UsesPerCustomer,
			&d.MinimumPurchase,
			&d.IsActive,
			&d.CreatedAt,
			&d.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan discount row: %w", err)
		}
		discounts = append(discounts, d)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate discount rows: %w", err)
	}

	if discounts == nil {
		discounts = []domain.Discount{}
	}

	return discounts, totalCount, nil
}

// SetActive toggles a discount on or off.
func (r *DiscountRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE discounts SET is_active = $1, updated_at = $2 WHERE id = $3`

	ct, err := r.pool.Exec(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set discount active: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("discount", id)
	}

	return nil
}

func (r *DiscountRepository) scanOne(row pgx.Row) (*domain.Discount, error) {
	var d domain.Discount
	err := row.Scan(
		&d.ID,
		&d.Code,
		&d.Type,
		&d.Value,
		&d.StartsAt,
		&d.ExpiresAt,
		&d.MaxUses,
		&d.UsedCount,
		&d.UsesPerCustomer,
		&d.MinimumPurchase,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan discount: %w", err)
	}
	return &d, nil
}
