// Package pricingtest provides an in-memory pricing.Catalog for tests.
package pricingtest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type Catalog struct {
	mu        sync.RWMutex
	showtimes map[uuid.UUID]domain.Showtime
	food      map[uuid.UUID]domain.FoodItem
	merch     map[string]domain.MerchandiseItem
}

func NewCatalog() *Catalog {
	return &Catalog{
		showtimes: map[uuid.UUID]domain.Showtime{},
		food:      map[uuid.UUID]domain.FoodItem{},
		merch:     map[string]domain.MerchandiseItem{},
	}
}

func (c *Catalog) PutShowtime(st domain.Showtime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showtimes[st.ID] = st
}

func (c *Catalog) PutFood(item domain.FoodItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.food[item.ID] = item
}

func (c *Catalog) PutMerchandise(item domain.MerchandiseItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merch[item.SKU] = item
}

// SetMerchandisePrice changes the price of a SKU, simulating a catalog edit.
func (c *Catalog) SetMerchandisePrice(sku string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.merch[sku]
	item.Price = price
	c.merch[sku] = item
}

func (c *Catalog) GetShowtime(_ context.Context, id uuid.UUID) (*domain.Showtime, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.showtimes[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "showtime %s", id)
	}
	return &st, nil
}

func (c *Catalog) GetFoodItems(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.FoodItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uuid.UUID]domain.FoodItem, len(ids))
	for _, id := range ids {
		if item, ok := c.food[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (c *Catalog) GetMerchandise(_ context.Context, skus []string) (map[string]domain.MerchandiseItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.MerchandiseItem, len(skus))
	for _, sku := range skus {
		if item, ok := c.merch[sku]; ok {
			out[sku] = item
		}
	}
	return out, nil
}
