package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type CartLine struct {
	SKU      string    `json:"sku"`
	Quantity int       `json:"quantity"`
	AddedAt  time.Time `json:"added_at"`
}

// Cart holds quantities only. Prices are resolved at checkout.
type Cart struct {
	UserID    uuid.UUID
	Lines     []CartLine
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewCart(userID uuid.UUID, now time.Time) *Cart {
	return &Cart{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Add merges qty into an existing line for sku or appends a new one.
func (c *Cart) Add(sku string, qty int, now time.Time) error {
	if qty < 1 {
		return errors.Wrapf(ErrInvalidQuantity, "quantity must be at least 1, got %d", qty)
	}
	for i := range c.Lines {
		if c.Lines[i].SKU == sku {
			c.Lines[i].Quantity += qty
			c.UpdatedAt = now
			return nil
		}
	}
	c.Lines = append(c.Lines, CartLine{SKU: sku, Quantity: qty, AddedAt: now})
	c.UpdatedAt = now
	return nil
}

// Set replaces the quantity of sku. A quantity of zero or less removes the line.
func (c *Cart) Set(sku string, qty int, now time.Time) error {
	if qty <= 0 {
		c.Remove(sku, now)
		return nil
	}
	for i := range c.Lines {
		if c.Lines[i].SKU == sku {
			c.Lines[i].Quantity = qty
			c.UpdatedAt = now
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "sku %s is not in the cart", sku)
}

func (c *Cart) Remove(sku string, now time.Time) {
	lines := c.Lines[:0]
	for _, l := range c.Lines {
		if l.SKU != sku {
			lines = append(lines, l)
		}
	}
	c.Lines = lines
	c.UpdatedAt = now
}

func (c *Cart) Clear(now time.Time) {
	c.Lines = nil
	c.UpdatedAt = now
}
