package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StockUnlimited is the sentinel stock value for variants that never run out.
// Reserving against an unlimited variant always succeeds and never decrements.
const StockUnlimited = -1

// Stock movement reasons recorded in the audit trail.
const (
	MovementReasonOrder      = "order"
	MovementReasonCancel     = "cancel"
	MovementReasonRefund     = "refund"
	MovementReasonAdjustment = "adjustment"
)

// Variant is a purchasable SKU-level unit with its own stock counter and price.
type Variant struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id"`
	Name       string          `json:"name"`
	SKU        string          `json:"sku"`
	Price      int64           `json:"price"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Stock      int             `json:"stock"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsUnlimited reports whether the variant uses the unlimited stock sentinel.
func (v *Variant) IsUnlimited() bool {
	return v.Stock == StockUnlimited
}

// Available returns the quantity that can still be sold. Unlimited variants
// report a very large number so soft cart checks always pass.
func (v *Variant) Available() int {
	if v.IsUnlimited() {
		return int(^uint(0) >> 1)
	}
	return v.Stock
}

// StockMovement is one audit row per ledger mutation.
type StockMovement struct {
	ID             int64     `json:"id"`
	VariantID      string    `json:"variant_id"`
	QuantityChange int       `json:"quantity_change"`
	Reason         string    `json:"reason"`
	ReferenceID    *string   `json:"reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// InsufficientStockError signals that a reservation lost the race for the
// last units of a variant. It names the offending variant so callers can
// surface it verbatim.
type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

// OutOfStockError signals that a variant has zero live stock. It is a distinct
// signal from InsufficientStockError so the UI can message it differently.
type OutOfStockError struct {
	VariantID string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("variant %s is out of stock", e.VariantID)
}
