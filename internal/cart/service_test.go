package cart_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/cart"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing/pricingtest"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
	"github.com/robertarktes/cinema-booking-engine/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memstore.Store
	ledger  *inventory.Ledger
	catalog *pricingtest.Catalog
	svc     *cart.Service
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	f.store = memstore.New()
	logger := observability.NewNopLogger()
	f.ledger = inventory.NewLedger(f.store, logger, 10*time.Minute, inventory.WithClock(f.clock))
	f.catalog = pricingtest.NewCatalog()
	f.catalog.PutMerchandise(domain.MerchandiseItem{SKU: "mug-1", Name: "Mug", Price: decimal.RequireFromString("12.50"), Active: true})
	f.catalog.PutMerchandise(domain.MerchandiseItem{SKU: "tee-1", Name: "T-Shirt", Price: decimal.RequireFromString("20.00"), Active: true})
	f.catalog.PutMerchandise(domain.MerchandiseItem{SKU: "gone-1", Name: "Gone", Price: decimal.RequireFromString("1.00")})
	f.svc = cart.NewService(f.store, f.catalog, logger, 15*time.Minute, cart.WithClock(f.clock))

	ctx := context.Background()
	require.NoError(t, f.ledger.SetStock(ctx, "mug-1", 1))
	require.NoError(t, f.ledger.SetStock(ctx, "tee-1", 10))
	return f
}

func (f *fixture) stock(t *testing.T, sku string) int {
	t.Helper()
	n, err := f.ledger.Stock(context.Background(), sku)
	require.NoError(t, err)
	return n
}

func TestCart_Mutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	c, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	_, err = f.svc.AddItem(ctx, user, "tee-1", 2)
	require.NoError(t, err)
	c, err = f.svc.AddItem(ctx, user, "tee-1", 1)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 3, c.Lines[0].Quantity)
	assert.Equal(t, 10, f.stock(t, "tee-1"), "adding to cart never touches stock")

	_, err = f.svc.AddItem(ctx, user, "tee-1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = f.svc.AddItem(ctx, user, "gone-1", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.AddItem(ctx, user, "tee-1", 50)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	c, err = f.svc.UpdateItem(ctx, user, "tee-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Lines[0].Quantity)

	_, err = f.svc.UpdateItem(ctx, user, "mug-1", 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	c, err = f.svc.UpdateItem(ctx, user, "tee-1", 0)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	_, err = f.svc.AddItem(ctx, user, "mug-1", 1)
	require.NoError(t, err)
	c, err = f.svc.RemoveItem(ctx, user, "mug-1")
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	_, err = f.svc.AddItem(ctx, user, "mug-1", 1)
	require.NoError(t, err)
	c, err = f.svc.Clear(ctx, user)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
}

func TestCheckout_UsesFreshPrices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.AddItem(ctx, user, "tee-1", 2)
	require.NoError(t, err)
	f.catalog.SetMerchandisePrice("tee-1", decimal.RequireFromString("18.00"))

	order, err := f.svc.Checkout(ctx, user)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPendingPayment, order.Status)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("36.00")))
	assert.Equal(t, f.clock().Add(15*time.Minute), order.ExpiresAt)
	assert.Equal(t, 8, f.stock(t, "tee-1"))

	c, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	got, err := f.svc.GetOrder(ctx, user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	_, err = f.svc.GetOrder(ctx, uuid.New(), order.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	orders, err := f.svc.ListOrders(ctx, user)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCheckout_EmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestCheckout_LastMugRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := []uuid.UUID{uuid.New(), uuid.New()}
	for _, u := range users {
		_, err := f.svc.AddItem(ctx, u, "mug-1", 1)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var ok, short int32
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Checkout(ctx, u)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case assert.ErrorIs(t, err, domain.ErrInsufficientStock):
				atomic.AddInt32(&short, 1)
			}
		}(u)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok)
	assert.EqualValues(t, 1, short)
	assert.Equal(t, 0, f.stock(t, "mug-1"))
}

func TestCheckout_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.AddItem(ctx, user, "tee-1", 3)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, user, "mug-1", 2)
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, user)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 10, f.stock(t, "tee-1"))
	assert.Equal(t, 1, f.stock(t, "mug-1"))

	c, err := f.svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Len(t, c.Lines, 2, "a failed checkout keeps the cart")
}

func TestCheckout_DoubleSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	_, err := f.svc.AddItem(ctx, user, "tee-1", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var created, empty int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Checkout(ctx, user)
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case assert.ErrorIs(t, err, domain.ErrEmptyCart):
				atomic.AddInt32(&empty, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, created)
	assert.EqualValues(t, 4, empty)
	assert.Equal(t, 9, f.stock(t, "tee-1"))
}

func TestStockConservation_ConcurrentCheckouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const initial = 10

	var wg sync.WaitGroup
	var sold int32
	for i := 0; i < 12; i++ {
		user := uuid.New()
		qty := 1 + i%3
		_, err := f.svc.AddItem(ctx, user, "tee-1", qty)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o, err := f.svc.Checkout(ctx, user); err == nil {
				atomic.AddInt32(&sold, int32(o.Lines[0].Quantity))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, initial, int(sold)+f.stock(t, "tee-1"))
}

func TestExpireSweep_ReturnsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	_, err := f.svc.AddItem(ctx, user, "tee-1", 4)
	require.NoError(t, err)
	order, err := f.svc.Checkout(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 6, f.stock(t, "tee-1"))

	f.advance(16 * time.Minute)
	n, err := f.svc.ExpireSweep(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, f.stock(t, "tee-1"))

	got, err := f.svc.GetOrder(ctx, user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExpired, got.Status)

	n, err = f.svc.ExpireSweep(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 10, f.stock(t, "tee-1"))
}

func TestMarkPaidAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	_, err := f.svc.AddItem(ctx, user, "tee-1", 2)
	require.NoError(t, err)
	order, err := f.svc.Checkout(ctx, user)
	require.NoError(t, err)
	paymentID := uuid.New()

	for i := 0; i < 2; i++ {
		err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := f.svc.MarkPaidTx(ctx, tx, order.ID, paymentID)
			return err
		})
		require.NoError(t, err)
	}

	err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.svc.MarkPaidTx(ctx, tx, order.ID, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := f.svc.RefundTx(ctx, tx, order.ID)
		if err == nil {
			assert.Equal(t, domain.OrderCancelled, o.Status)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(t, "tee-1"))
}
