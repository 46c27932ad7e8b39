package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harborline/storefront/internal/inventory/domain"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// LedgerRepository implements repository.Ledger using PostgreSQL.
type LedgerRepository struct {
	pool database.DBTX
}

// NewLedgerRepository creates a new PostgreSQL-backed stock ledger.
func NewLedgerRepository(pool database.DBTX) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const variantColumns = `id, product_id, name, sku, price, attributes, stock, updated_at`

// GetVariant retrieves a variant by its ID.
func (r *LedgerRepository) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE id = $1`

	var v domain.Variant
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&v.ID,
		&v.ProductID,
		&v.Name,
		&v.SKU,
		&v.Price,
		&v.Attributes,
		&v.Stock,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return &v, nil
}

// GetVariants retrieves multiple variants in one query, keyed by id. Missing
// ids are simply absent from the result map.
func (r *LedgerRepository) GetVariants(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	if len(ids) == 0 {
		return map[string]domain.Variant{}, nil
	}

	query := `SELECT ` + variantColumns + ` FROM variants WHERE id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get variants: %w", err)
	}
	defer rows.Close()

	variants := make(map[string]domain.Variant, len(ids))
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(
			&v.ID,
			&v.ProductID,
			&v.Name,
			&v.SKU,
			&v.Price,
			&v.Attributes,
			&v.Stock,
			&v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan variant row: %w", err)
		}
		variants[v.ID] = v
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variant rows: %w", err)
	}

	return variants, nil
}

// Reserve atomically decrements stock by qty inside the caller's transaction.
// The conditional UPDATE is the entire concurrency story: a zero-row result
// deterministically means another transaction took the units first, with no
// read-then-write window. Unlimited variants (stock = -1) match the condition
// and keep their sentinel.
func (r *LedgerRepository) Reserve(ctx context.Context, q database.Querier, variantID string, qty int, referenceID string) (err error) {
	if qty <= 0 {
		return apperrors.InvalidInput("reserve quantity must be positive")
	}

	query := `
		UPDATE variants
		SET stock = CASE WHEN stock = -1 THEN -1 ELSE stock - $2 END,
		    updated_at = $3
		WHERE id = $1 AND (stock = -1 OR stock >= $2)`

	ctx, end := database.TraceQuery(ctx, "ReserveStock", query)
	defer func() { end(err) }()

	ct, err := q.Exec(ctx, query, variantID, qty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	if ct.RowsAffected() == 0 {
		available, err := r.liveStock(ctx, q, variantID)
		if err != nil {
			return err
		}
		return &domain.InsufficientStockError{VariantID: variantID, Requested: qty, Available: available}
	}

	if err := r.recordMovement(ctx, q, variantID, -qty, domain.MovementReasonOrder, &referenceID); err != nil {
		return err
	}

	return nil
}

// Release returns qty units to a non-sentinel variant inside the caller's
// transaction. Callers guard against double-restocking via the order state
// machine; the ledger itself only refuses nonsense quantities.
func (r *LedgerRepository) Release(ctx context.Context, q database.Querier, variantID string, qty int, reason, referenceID string) error {
	if qty <= 0 {
		return apperrors.InvalidInput("release quantity must be positive")
	}

	query := `
		UPDATE variants
		SET stock = stock + $2, updated_at = $3
		WHERE id = $1 AND stock >= 0`

	ct, err := q.Exec(ctx, query, variantID, qty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	// Unlimited and deleted variants match no row; recording a movement for
	// them would invent stock that was never held.
	if ct.RowsAffected() == 0 {
		return nil
	}

	if err := r.recordMovement(ctx, q, variantID, qty, reason, &referenceID); err != nil {
		return err
	}

	return nil
}

// Adjust applies an admin stock correction in its own transaction and returns
// the updated variant. Negative deltas are clamped at zero stock.
func (r *LedgerRepository) Adjust(ctx context.Context, variantID string, delta int, referenceID *string) (*domain.Variant, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE variants
		SET stock = CASE WHEN stock = -1 THEN -1 ELSE GREATEST(stock + $2, 0) END,
		    updated_at = $3
		WHERE id = $1
		RETURNING ` + variantColumns

	var v domain.Variant
	err = tx.QueryRow(ctx, query, variantID, delta, time.Now().UTC()).Scan(
		&v.ID,
		&v.ProductID,
		&v.Name,
		&v.SKU,
		&v.Price,
		&v.Attributes,
		&v.Stock,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("adjust stock: %w", err)
	}

	if err := r.recordMovement(ctx, tx, variantID, delta, domain.MovementReasonAdjustment, referenceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &v, nil
}

// ListLowStock returns variants whose stock is at or below the threshold,
// excluding unlimited variants.
func (r *LedgerRepository) ListLowStock(ctx context.Context, threshold, page, perPage int) ([]domain.Variant, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	query := `
		SELECT ` + variantColumns + `,
		       count(*) OVER() AS total_count
		FROM variants
		WHERE stock >= 0 AND stock <= $1
		ORDER BY stock ASC, updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, threshold, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list low stock: %w", err)
	}
	defer rows.Close()

	var (
		variants   []domain.Variant
		totalCount int
	)

	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(
			&v.ID,
			&v.ProductID,
			&v.Name,
			&v.SKU,
			&v.Price,
			&v.Attributes,
			&v.Stock,
			&v.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan low stock row: %w", err)
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate low stock rows: %w", err)
	}

	if variants == nil {
		variants = []domain.Variant{}
	}

	return variants, totalCount, nil
}

// liveStock reads the current stock for an error message after a failed
// reservation. A missing variant maps to ErrNotFound.
func (r *LedgerRepository) liveStock(ctx context.Context, q database.Querier, variantID string) (int, error) {
	var stock int
	err := q.QueryRow(ctx, `SELECT stock FROM variants WHERE id = $1`, variantID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NotFound("variant", variantID)
		}
		return 0, fmt.Errorf("read variant stock: %w", err)
	}
	return stock, nil
}

func (r *LedgerRepository) recordMovement(ctx context.Context, q database.Querier, variantID string, change int, reason string, referenceID *string) error {
	query := `
		INSERT INTO stock_movements (variant_id, quantity_change, reason, reference_id)
		VALUES ($1, $2, $3, $4)`

	if _, err := q.Exec(ctx, query, variantID, change, reason, referenceID); err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}

	return nil
}
