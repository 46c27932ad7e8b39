package domain

import "time"

// Issue reasons reported by cart validation.
const (
	IssueUnavailable       = "unavailable"
	IssueOutOfStock        = "out_of_stock"
	IssueInsufficientStock = "insufficient_stock"
)

// Owner identifies who a cart belongs to: an authenticated user or a guest
// session. Exactly one of the two fields is set.
type Owner struct {
	UserID     string `json:"user_id,omitempty"`
	GuestToken string `json:"guest_token,omitempty"`
}

// Key returns the storage key suffix for the owner.
func (o Owner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "guest:" + o.GuestToken
}

// IsZero reports whether no identity is set.
func (o Owner) IsZero() bool {
	return o.UserID == "" && o.GuestToken == ""
}

// Cart represents a shopping cart. Items keep insertion order; the applied
// coupon code is stored normalized and is not consumed until order creation.
type Cart struct {
	ID         string     `json:"id"`
	Owner      Owner      `json:"owner"`
	Items      []CartItem `json:"items"`
	CouponCode string     `json:"coupon_code,omitempty"`
	Currency   string     `json:"currency"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// CartItem is a single cart line. Name, SKU, and price are a display snapshot
// refreshed on add and validate; the authoritative price is re-read at order
// creation.
type CartItem struct {
	VariantID string `json:"variant_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// Issue flags a cart line that no longer holds against live stock.
type Issue struct {
	VariantID string `json:"variant_id"`
	Reason    string `json:"reason"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Subtotal calculates the total price of all items in the cart (in cents).
func (c *Cart) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.Price * int64(item.Quantity)
	}
	return total
}

// ItemCount returns the total number of units in the cart.
func (c *Cart) ItemCount() int {
	var count int
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

// FindItemIndex returns the index of the cart item for the given variant,
// or -1 if the variant is not in the cart.
func (c *Cart) FindItemIndex(variantID string) int {
	for i := range c.Items {
		if c.Items[i].VariantID == variantID {
			return i
		}
	}
	return -1
}
