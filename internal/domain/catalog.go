package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FoodItem struct {
	ID        uuid.UUID
	Name      string
	Price     decimal.Decimal
	Available bool
}

// MerchandiseItem is the catalog view of a SKU. Stock shown here is
// informational; the authoritative count lives in the inventory ledger.
type MerchandiseItem struct {
	SKU    string
	Name   string
	Price  decimal.Decimal
	Stock  int
	Active bool
}
