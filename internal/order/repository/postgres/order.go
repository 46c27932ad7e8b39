package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harborline/storefront/internal/order/domain"
	"github.com/harborline/storefront/internal/order/repository"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	pool database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(pool database.DBTX) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, number, user_id, guest_email, status, payment_status, payment_method, payment_ref, coupon_code, subtotal_amount, discount_amount, shipping_amount, tax_amount, total_amount, currency, shipping_address, billing_address, contact_name, contact_email, contact_phone, cancel_reason, created_at, updated_at`

// Create inserts the order row and its frozen items inside the caller's
// transaction. Rolling that transaction back removes both, together with any
// stock reservations and discount consumption made alongside.
func (r *OrderRepository) Create(ctx context.Context, q database.Querier, o *domain.Order) error {
	shippingJSON, billingJSON, err := marshalAddresses(o)
	if err != nil {
		return err
	}

	orderQuery := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err = q.Exec(ctx, orderQuery,
		o.ID,
		o.Number,
		o.UserID,
		nullableString(o.GuestEmail),
		o.Status,
		o.PaymentStatus,
		o.PaymentMethod,
		o.PaymentRef,
		nullableString(o.CouponCode),
		o.SubtotalAmount,
		o.DiscountAmount,
		o.ShippingAmount,
		o.TaxAmount,
		o.TotalAmount,
		o.Currency,
		shippingJSON,
		billingJSON,
		o.ContactName,
		o.ContactEmail,
		o.ContactPhone,
		o.CancelReason,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (id, order_id, variant_id, name, sku, price, quantity, attributes, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, item := range o.Items {
		attrs := item.Attributes
		if len(attrs) == 0 {
			attrs = json.RawMessage(`{}`)
		}
		_, err = q.Exec(ctx, itemQuery,
			item.ID,
			item.OrderID,
			item.VariantID,
			item.Name,
			item.SKU,
			item.Price,
			item.Quantity,
			attrs,
			item.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

// GetByID retrieves an order by its ID, eagerly loading its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := r.scanOne(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	items, err := r.loadOrderItems(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

// GetByIDForUpdate retrieves and row-locks an order inside the caller's
// transaction.
func (r *OrderRepository) GetByIDForUpdate(ctx context.Context, q database.Querier, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	o, err := r.scanOne(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	items, err := r.loadOrderItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

// GetByPaymentRefForUpdate locates and row-locks the order carrying the given
// external payment reference.
func (r *OrderRepository) GetByPaymentRefForUpdate(ctx context.Context, q database.Querier, paymentRef string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_ref = $1 FOR UPDATE`

	o, err := r.scanOne(q.QueryRow(ctx, query, paymentRef))
	if err != nil {
		return nil, err
	}

	items, err := r.loadOrderItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

// List returns orders matching the given filter with the total count.
func (r *OrderRepository) List(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, int, error) {
	var (
		conditions []string
		args       []any
		argIndex   = 1
	)

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, *filter.UserID)
		argIndex++
	}

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *filter.Status)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`,
		       count(*) OVER() AS total_count
		FROM orders
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		whereClause, argIndex, argIndex+1,
	)

	limit := filter.PerPage
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * limit
	}
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var totalCount int
	orders := make([]domain.Order, 0)

	for rows.Next() {
		o, err := scanOrderRow(rows, &totalCount)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}

	// Batch-load items for all orders in a single query to avoid N+1.
	if len(orders) > 0 {
		orderIDs := make([]string, len(orders))
		for i := range orders {
			orderIDs[i] = orders[i].ID
		}

		itemsQuery := `
			SELECT id, order_id, variant_id, name, sku, price, quantity, attributes, subtotal
			FROM order_items
			WHERE order_id = ANY($1)
			ORDER BY created_at`

		itemRows, err := r.pool.Query(ctx, itemsQuery, orderIDs)
		if err != nil {
			return nil, 0, fmt.Errorf("batch load order items: %w", err)
		}
		defer itemRows.Close()

		itemsByOrderID := make(map[string][]domain.OrderItem, len(orders))
		for itemRows.Next() {
			var item domain.OrderItem
			if err := itemRows.Scan(
				&item.ID,
				&item.OrderID,
				&item.VariantID,
				&item.Name,
				&item.SKU,
				&item.Price,
				&item.Quantity,
				&item.Attributes,
				&item.Subtotal,
			); err != nil {
				return nil, 0, fmt.Errorf("scan order item: %w", err)
			}
			itemsByOrderID[item.OrderID] = append(itemsByOrderID[item.OrderID], item)
		}
		if err := itemRows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate batch order item rows: %w", err)
		}

		for i := range orders {
			if items, ok := itemsByOrderID[orders[i].ID]; ok {
				orders[i].Items = items
			} else {
				orders[i].Items = []domain.OrderItem{}
			}
		}
	}

	return orders, totalCount, nil
}

// UpdateStatus changes the shipping status of an order and optionally sets a
// cancel reason.
func (r *OrderRepository) UpdateStatus(ctx context.Context, q database.Querier, id, status, reason string) error {
	query := `
		UPDATE orders
		SET status = $1, cancel_reason = $2, updated_at = $3
		WHERE id = $4`

	ct, err := q.Exec(ctx, query, status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("order", id)
	}

	return nil
}

// SetPaymentStatus changes the payment status and, when paymentRef is
// non-nil, stores the external payment reference.
func (r *OrderRepository) SetPaymentStatus(ctx context.Context, q database.Querier, id, paymentStatus string, paymentRef *string) error {
	query := `
		UPDATE orders
		SET payment_status = $1, payment_ref = COALESCE($2, payment_ref), updated_at = $3
		WHERE id = $4`

	ct, err := q.Exec(ctx, query, paymentStatus, paymentRef, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("order", id)
	}

	return nil
}

// Count returns the all-time number of orders.
func (r *OrderRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

// loadOrderItems retrieves all items belonging to a given order.
func (r *OrderRepository) loadOrderItems(ctx context.Context, q database.Querier, orderID string) ([]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, variant_id, name, sku, price, quantity, attributes, subtotal
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at`

	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.VariantID,
			&item.Name,
			&item.SKU,
			&item.Price,
			&item.Quantity,
			&item.Attributes,
			&item.Subtotal,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order item rows: %w", err)
	}

	if items == nil {
		items = []domain.OrderItem{}
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *OrderRepository) scanOne(row pgx.Row) (*domain.Order, error) {
	o, err := scanOrderRow(row, nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// scanOrderRow scans the orderColumns set, plus a trailing total_count when
// totalCount is non-nil.
func scanOrderRow(row rowScanner, totalCount *int) (*domain.Order, error) {
	var (
		o            domain.Order
		guestEmail   *string
		couponCode   *string
		contactPhone *string
		cancelReason *string
		shippingJSON []byte
		billingJSON  []byte
	)

	dest := []any{
		&o.ID,
		&o.Number,
		&o.UserID,
		&guestEmail,
		&o.Status,
		&o.PaymentStatus,
		&o.PaymentMethod,
		&o.PaymentRef,
		&couponCode,
		&o.SubtotalAmount,
		&o.DiscountAmount,
		&o.ShippingAmount,
		&o.TaxAmount,
		&o.TotalAmount,
		&o.Currency,
		&shippingJSON,
		&billingJSON,
		&o.ContactName,
		&o.ContactEmail,
		&contactPhone,
		&cancelReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	}
	if totalCount != nil {
		dest = append(dest, totalCount)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.GuestEmail = deref(guestEmail)
	o.CouponCode = deref(couponCode)
	o.ContactPhone = deref(contactPhone)
	o.CancelReason = deref(cancelReason)

	if len(shippingJSON) > 0 && string(shippingJSON) != "null" {
		var addr domain.Address
		if err := json.Unmarshal(shippingJSON, &addr); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
		o.ShippingAddress = &addr
	}

	if len(billingJSON) > 0 && string(billingJSON) != "null" {
		var addr domain.Address
		if err := json.Unmarshal(billingJSON, &addr); err != nil {
			return nil, fmt.Errorf("unmarshal billing address: %w", err)
		}
		o.BillingAddress = &addr
	}

	return &o, nil
}

func marshalAddresses(o *domain.Order) (shipping, billing []byte, err error) {
	if o.ShippingAddress != nil {
		shipping, err = json.Marshal(o.ShippingAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal shipping address: %w", err)
		}
	}
	if o.BillingAddress != nil {
		billing, err = json.Marshal(o.BillingAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal billing address: %w", err)
		}
	}
	return shipping, billing, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
