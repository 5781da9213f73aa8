// Package pricing computes authoritative totals from current catalog prices.
// Client supplied prices are never an input.
package pricing

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Catalog is the read-only view of showtimes, food and merchandise.
type Catalog interface {
	GetShowtime(ctx context.Context, id uuid.UUID) (*domain.Showtime, error)
	GetFoodItems(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.FoodItem, error)
	GetMerchandise(ctx context.Context, skus []string) (map[string]domain.MerchandiseItem, error)
}

type FoodRequest struct {
	ItemID   uuid.UUID
	Quantity int
}

type MerchRequest struct {
	SKU      string
	Quantity int
}

// Quote holds prices resolved for one booking or checkout. Seat lines are
// added once the seats are locked and their classes known.
type Quote struct {
	Showtime    *domain.Showtime
	Food        []domain.LineItem
	Merchandise []domain.LineItem
	FoodTotal   decimal.Decimal
	MerchTotal  decimal.Decimal
}

type Calculator struct {
	catalog Catalog
}

func NewCalculator(catalog Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// QuoteBooking resolves the showtime and the add-on prices of a booking in
// parallel.
func (c *Calculator) QuoteBooking(ctx context.Context, showtimeID uuid.UUID, food []FoodRequest, merch []MerchRequest) (*Quote, error) {
	q := &Quote{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		st, err := c.catalog.GetShowtime(gctx, showtimeID)
		if err != nil {
			return err
		}
		if !st.Active {
			return errors.Wrapf(domain.ErrNotFound, "showtime %s is not on sale", showtimeID)
		}
		q.Showtime = st
		return nil
	})
	g.Go(func() error {
		var err error
		q.Food, q.FoodTotal, err = c.PriceFood(gctx, food)
		return err
	})
	g.Go(func() error {
		var err error
		q.Merchandise, q.MerchTotal, err = c.PriceMerchandise(gctx, merch)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return q, nil
}

// PriceSeats prices locked seats by class against the showtime.
func PriceSeats(st *domain.Showtime, seats []domain.Seat) ([]domain.SeatLine, decimal.Decimal) {
	lines := make([]domain.SeatLine, len(seats))
	total := decimal.Zero
	for i, s := range seats {
		price := st.PriceFor(s.Class)
		lines[i] = domain.SeatLine{SeatID: s.ID, Label: s.Label(), Class: s.Class, UnitPrice: price}
		total = total.Add(price)
	}
	return lines, total
}

func (c *Calculator) PriceFood(ctx context.Context, reqs []FoodRequest) ([]domain.LineItem, decimal.Decimal, error) {
	if len(reqs) == 0 {
		return nil, decimal.Zero, nil
	}
	qty := map[uuid.UUID]int{}
	var ids []uuid.UUID
	for _, r := range reqs {
		if r.Quantity < 1 {
			return nil, decimal.Zero, errors.Wrapf(domain.ErrInvalidQuantity, "food %s quantity must be at least 1, got %d", r.ItemID, r.Quantity)
		}
		if _, seen := qty[r.ItemID]; !seen {
			ids = append(ids, r.ItemID)
		}
		qty[r.ItemID] += r.Quantity
	}

	items, err := c.catalog.GetFoodItems(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, err
	}

	lines := make([]domain.LineItem, 0, len(ids))
	for _, id := range ids {
		item, ok := items[id]
		if !ok || !item.Available {
			return nil, decimal.Zero, errors.Wrapf(domain.ErrNotFound, "food item %s is not available", id)
		}
		lines = append(lines, newLine(id.String(), item.Name, item.Price, qty[id]))
	}
	return lines, Sum(lines), nil
}

func (c *Calculator) PriceMerchandise(ctx context.Context, reqs []MerchRequest) ([]domain.LineItem, decimal.Decimal, error) {
	if len(reqs) == 0 {
		return nil, decimal.Zero, nil
	}
	qty := map[string]int{}
	for _, r := range reqs {
		if r.Quantity < 1 {
			return nil, decimal.Zero, errors.Wrapf(domain.ErrInvalidQuantity, "sku %s quantity must be at least 1, got %d", r.SKU, r.Quantity)
		}
		qty[r.SKU] += r.Quantity
	}
	skus := make([]string, 0, len(qty))
	for sku := range qty {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	items, err := c.catalog.GetMerchandise(ctx, skus)
	if err != nil {
		return nil, decimal.Zero, err
	}

	lines := make([]domain.LineItem, 0, len(skus))
	for _, sku := range skus {
		item, ok := items[sku]
		if !ok || !item.Active {
			return nil, decimal.Zero, errors.Wrapf(domain.ErrNotFound, "sku %s is not sold", sku)
		}
		lines = append(lines, newLine(sku, item.Name, item.Price, qty[sku]))
	}
	return lines, Sum(lines), nil
}

// CartRequests converts cart lines into merchandise price requests.
func CartRequests(lines []domain.CartLine) []MerchRequest {
	out := make([]MerchRequest, len(lines))
	for i, l := range lines {
		out[i] = MerchRequest{SKU: l.SKU, Quantity: l.Quantity}
	}
	return out
}

func Sum(lines []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal)
	}
	return total
}

func newLine(ref, name string, unit decimal.Decimal, qty int) domain.LineItem {
	return domain.LineItem{
		Ref:       ref,
		Name:      name,
		Quantity:  qty,
		UnitPrice: unit,
		Subtotal:  unit.Mul(decimal.NewFromInt(int64(qty))),
	}
}
