package domain

import (
	"fmt"
	"strings"
	"time"
)

// Discount type constants.
const (
	TypePercentage = "percentage"
	TypeFixed      = "fixed"
)

// Rejection reasons returned by Check. Each maps to a specific customer-facing
// message; a generic "invalid code" is deliberately never produced.
const (
	RejectNotFound             = "not_found"
	RejectInactive             = "inactive"
	RejectNotStarted           = "not_started"
	RejectExpired              = "expired"
	RejectBelowMinimumPurchase = "below_minimum_purchase"
	RejectGlobalUsesExhausted  = "global_uses_exhausted"
	RejectPerCustomerExhausted = "per_customer_uses_exhausted"
)

// RejectionError is the typed validation failure for a discount code.
type RejectionError struct {
	Reason  string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("discount rejected (%s): %s", e.Reason, e.Message)
}

// Discount represents a coupon code with its validity rules. Codes are stored
// upper-cased; usage is tracked by used_count plus per-customer order counts.
type Discount struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	Type            string    `json:"type"`
	Value           int64     `json:"value"`
	StartsAt        time.Time `json:"starts_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	MaxUses         *int      `json:"max_uses,omitempty"`
	UsedCount       int       `json:"used_count"`
	UsesPerCustomer int       `json:"uses_per_customer"`
	MinimumPurchase *int64    `json:"minimum_purchase,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NormalizeCode upper-cases and trims a coupon code for lookup and storage.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidType checks whether the given string is a valid discount type.
func IsValidType(t string) bool {
	return t == TypePercentage || t == TypeFixed
}

// Check evaluates every validity rule against the given instant, cart
// subtotal, and the requesting customer's prior use count. It is a pure
// function: the same Check runs lock-free at cart-apply time and again under
// row locks inside the order-creation transaction.
func (d *Discount) Check(now time.Time, subtotal int64, customerUses int) *RejectionError {
	if !d.IsActive {
		return &RejectionError{Reason: RejectInactive, Message: "this discount code is no longer active"}
	}
	if now.Before(d.StartsAt) {
		return &RejectionError{Reason: RejectNotStarted, Message: "this discount code is not yet valid"}
	}
	if now.After(d.ExpiresAt) {
		return &RejectionError{Reason: RejectExpired, Message: "this discount code has expired"}
	}
	if d.MinimumPurchase != nil && subtotal < *d.MinimumPurchase {
		return &RejectionError{
			Reason:  RejectBelowMinimumPurchase,
			Message: fmt.Sprintf("a minimum purchase of %d is required for this code", *d.MinimumPurchase),
		}
	}
	if d.MaxUses != nil && d.UsedCount >= *d.MaxUses {
		return &RejectionError{Reason: RejectGlobalUsesExhausted, Message: "this discount code has been fully redeemed"}
	}
	if d.UsesPerCustomer > 0 && customerUses >= d.UsesPerCustomer {
		return &RejectionError{Reason: RejectPerCustomerExhausted, Message: "you have already used this discount code"}
	}
	return nil
}

// ComputeAmount returns the discount amount for the given subtotal.
// Percentage discounts take value as a whole percent in (0,100]; fixed
// discounts never exceed the subtotal so an order cannot go negative.
func (d *Discount) ComputeAmount(subtotal int64) int64 {
	switch d.Type {
	case TypePercentage:
		return subtotal * d.Value / 100
	case TypeFixed:
		if d.Value > subtotal {
			return subtotal
		}
		return d.Value
	default:
		return 0
	}
}
