package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing/pricingtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCatalog() (*pricingtest.Catalog, domain.Showtime, domain.FoodItem) {
	cat := pricingtest.NewCatalog()
	st := domain.Showtime{
		ID:        uuid.New(),
		MovieID:   uuid.New(),
		Screen:    "1",
		StartsAt:  time.Now().Add(48 * time.Hour),
		BasePrice: decimal.RequireFromString("10.00"),
		ClassPrices: map[domain.SeatClass]decimal.Decimal{
			domain.SeatClassVIP: decimal.RequireFromString("25.50"),
		},
		TotalSeats: 100,
		Active:     true,
	}
	cat.PutShowtime(st)
	popcorn := domain.FoodItem{ID: uuid.New(), Name: "Popcorn", Price: decimal.RequireFromString("4.25"), Available: true}
	cat.PutFood(popcorn)
	cat.PutMerchandise(domain.MerchandiseItem{SKU: "mug-1", Name: "Mug", Price: decimal.RequireFromString("12.00"), Active: true})
	cat.PutMerchandise(domain.MerchandiseItem{SKU: "old-1", Name: "Retired", Price: decimal.RequireFromString("1.00")})
	return cat, st, popcorn
}

func TestQuoteBooking(t *testing.T) {
	cat, st, popcorn := seedCatalog()
	calc := pricing.NewCalculator(cat)

	q, err := calc.QuoteBooking(context.Background(), st.ID,
		[]pricing.FoodRequest{{ItemID: popcorn.ID, Quantity: 2}, {ItemID: popcorn.ID, Quantity: 1}},
		[]pricing.MerchRequest{{SKU: "mug-1", Quantity: 1}},
	)
	require.NoError(t, err)

	require.Len(t, q.Food, 1)
	assert.Equal(t, 3, q.Food[0].Quantity)
	assert.True(t, q.FoodTotal.Equal(decimal.RequireFromString("12.75")))
	assert.True(t, q.MerchTotal.Equal(decimal.RequireFromString("12.00")))
	assert.Equal(t, st.ID, q.Showtime.ID)
}

func TestQuoteBooking_Failures(t *testing.T) {
	cat, st, popcorn := seedCatalog()
	calc := pricing.NewCalculator(cat)
	ctx := context.Background()

	_, err := calc.QuoteBooking(ctx, uuid.New(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = calc.QuoteBooking(ctx, st.ID, []pricing.FoodRequest{{ItemID: popcorn.ID, Quantity: 0}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = calc.QuoteBooking(ctx, st.ID, nil, []pricing.MerchRequest{{SKU: "old-1", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	inactive := st
	inactive.ID = uuid.New()
	inactive.Active = false
	cat.PutShowtime(inactive)
	_, err = calc.QuoteBooking(ctx, inactive.ID, nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceSeats_ByClass(t *testing.T) {
	_, st, _ := seedCatalog()
	seats := []domain.Seat{
		{ID: uuid.New(), Row: "A", Column: 1, Class: domain.SeatClassStandard},
		{ID: uuid.New(), Row: "J", Column: 4, Class: domain.SeatClassVIP},
		{ID: uuid.New(), Row: "E", Column: 2, Class: domain.SeatClassPremium},
	}

	lines, total := pricing.PriceSeats(&st, seats)

	require.Len(t, lines, 3)
	assert.Equal(t, "J4", lines[1].Label)
	assert.True(t, lines[1].UnitPrice.Equal(decimal.RequireFromString("25.50")))
	assert.True(t, lines[2].UnitPrice.Equal(st.BasePrice), "class without an entry falls back to base price")
	assert.True(t, total.Equal(decimal.RequireFromString("45.50")))
}

func TestPriceMerchandise_UsesCurrentPrice(t *testing.T) {
	cat, _, _ := seedCatalog()
	calc := pricing.NewCalculator(cat)
	ctx := context.Background()

	cart := []domain.CartLine{{SKU: "mug-1", Quantity: 2}}
	_, before, err := calc.PriceMerchandise(ctx, pricing.CartRequests(cart))
	require.NoError(t, err)

	cat.SetMerchandisePrice("mug-1", decimal.RequireFromString("15.00"))
	lines, after, err := calc.PriceMerchandise(ctx, pricing.CartRequests(cart))
	require.NoError(t, err)

	assert.True(t, before.Equal(decimal.RequireFromString("24.00")))
	assert.True(t, after.Equal(decimal.RequireFromString("30.00")))
	assert.True(t, lines[0].UnitPrice.Equal(decimal.RequireFromString("15.00")))
}
