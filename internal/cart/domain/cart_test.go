package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerKey(t *testing.T) {
	assert.Equal(t, "user:u1", Owner{UserID: "u1"}.Key())
	assert.Equal(t, "guest:tok", Owner{GuestToken: "tok"}.Key())
	// A user identity wins when both are present.
	assert.Equal(t, "user:u1", Owner{UserID: "u1", GuestToken: "tok"}.Key())
}

func TestOwnerIsZero(t *testing.T) {
	assert.True(t, Owner{}.IsZero())
	assert.False(t, Owner{UserID: "u1"}.IsZero())
	assert.False(t, Owner{GuestToken: "tok"}.IsZero())
}

func TestSubtotal(t *testing.T) {
	cart := &Cart{
		Items: []CartItem{
			{VariantID: "v1", Price: 1000, Quantity: 2},
			{VariantID: "v2", Price: 350, Quantity: 3},
		},
	}
	assert.Equal(t, int64(3050), cart.Subtotal())
}

func TestSubtotal_EmptyCart(t *testing.T) {
	cart := &Cart{}
	assert.Equal(t, int64(0), cart.Subtotal())
}

func TestItemCount(t *testing.T) {
	cart := &Cart{
		Items: []CartItem{
			{VariantID: "v1", Quantity: 2},
			{VariantID: "v2", Quantity: 3},
		},
	}
	assert.Equal(t, 5, cart.ItemCount())
}

func TestFindItemIndex(t *testing.T) {
	cart := &Cart{
		Items: []CartItem{
			{VariantID: "v1"},
			{VariantID: "v2"},
		},
	}
	assert.Equal(t, 0, cart.FindItemIndex("v1"))
	assert.Equal(t, 1, cart.FindItemIndex("v2"))
	assert.Equal(t, -1, cart.FindItemIndex("v3"))
}
