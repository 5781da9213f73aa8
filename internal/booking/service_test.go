package booking_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/booking"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing/pricingtest"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
	"github.com/robertarktes/cinema-booking-engine/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *memstore.Store
	ledger   *inventory.Ledger
	svc      *booking.Service
	clock    *clock
	showtime domain.Showtime
	seats    map[string]domain.Seat
	popcorn  domain.FoodItem
	user     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	st := memstore.New()
	logger := observability.NewNopLogger()
	ledger := inventory.NewLedger(st, logger, 10*time.Minute, inventory.WithClock(clk.Now))

	catalog := pricingtest.NewCatalog()
	showtime := domain.Showtime{
		ID:        uuid.New(),
		MovieID:   uuid.New(),
		Screen:    "2",
		StartsAt:  clk.Now().Add(24 * time.Hour),
		BasePrice: decimal.RequireFromString("10.00"),
		ClassPrices: map[domain.SeatClass]decimal.Decimal{
			domain.SeatClassVIP: decimal.RequireFromString("20.00"),
		},
		TotalSeats: 20,
		Active:     true,
	}
	catalog.PutShowtime(showtime)
	popcorn := domain.FoodItem{ID: uuid.New(), Name: "Popcorn", Price: decimal.RequireFromString("5.00"), Available: true}
	catalog.PutFood(popcorn)
	catalog.PutMerchandise(domain.MerchandiseItem{SKU: "poster-1", Name: "Poster", Price: decimal.RequireFromString("8.00"), Active: true})

	seats, err := ledger.LoadSeats(ctx, showtime.ID, domain.SeatLayout{
		Rows:        []string{"A", "B"},
		SeatsPerRow: 10,
		RowClasses:  map[string]domain.SeatClass{"B": domain.SeatClassVIP},
	})
	require.NoError(t, err)
	require.NoError(t, ledger.SetStock(ctx, "poster-1", 3))

	byLabel := map[string]domain.Seat{}
	for _, s := range seats {
		byLabel[s.Label()] = s
	}

	svc := booking.NewService(st, ledger, catalog, logger, 2*time.Hour, booking.WithClock(clk.Now))
	return &fixture{
		store:    st,
		ledger:   ledger,
		svc:      svc,
		clock:    clk,
		showtime: showtime,
		seats:    byLabel,
		popcorn:  popcorn,
		user:     uuid.New(),
	}
}

func (f *fixture) ids(labels ...string) []uuid.UUID {
	out := make([]uuid.UUID, len(labels))
	for i, l := range labels {
		out[i] = f.seats[l].ID
	}
	return out
}

func (f *fixture) status(t *testing.T, label string) domain.SeatStatus {
	t.Helper()
	var st domain.SeatStatus
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		seats, err := tx.LockSeats(ctx, f.showtime.ID, f.ids(label))
		if err == nil && len(seats) == 1 {
			st = seats[0].Status
		}
		return err
	})
	require.NoError(t, err)
	return st
}

// succeededPayment stores a SUCCEEDED payment for a booking, as the payment
// coordinator would after the gateway reported success.
func (f *fixture) succeededPayment(t *testing.T, b *domain.Booking) uuid.UUID {
	t.Helper()
	p := &domain.Payment{
		ID:        uuid.New(),
		OwnerType: domain.OwnerBooking,
		OwnerID:   b.ID,
		UserID:    b.UserID,
		Amount:    b.TotalAmount,
		Status:    domain.PaymentSucceeded,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPayment(ctx, p)
	}))
	return p.ID
}

func (f *fixture) create(t *testing.T, labels ...string) *domain.Booking {
	t.Helper()
	b, err := f.svc.Create(context.Background(), booking.CreateRequest{
		UserID:     f.user,
		ShowtimeID: f.showtime.ID,
		SeatIDs:    f.ids(labels...),
	})
	require.NoError(t, err)
	return b
}

func TestCreate_PricesFromCatalog(t *testing.T) {
	f := newFixture(t)

	b, err := f.svc.Create(context.Background(), booking.CreateRequest{
		UserID:      f.user,
		ShowtimeID:  f.showtime.ID,
		SeatIDs:     f.ids("A1", "B1"),
		Food:        []pricing.FoodRequest{{ItemID: f.popcorn.ID, Quantity: 2}},
		Merchandise: []pricing.MerchRequest{{SKU: "poster-1", Quantity: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.BookingPendingPayment, b.Status)
	assert.Regexp(t, `^BK[0-9A-F]{8}$`, b.Code)
	assert.True(t, b.SeatTotal.Equal(decimal.RequireFromString("30.00")))
	assert.True(t, b.FoodTotal.Equal(decimal.RequireFromString("10.00")))
	assert.True(t, b.MerchTotal.Equal(decimal.RequireFromString("8.00")))
	assert.True(t, b.TotalAmount.Equal(decimal.RequireFromString("48.00")))
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), b.HoldExpiresAt)
	assert.Equal(t, domain.SeatHeld, f.status(t, "A1"))

	left, err := f.ledger.Stock(context.Background(), "poster-1")
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBookingReserved, events[0].Type)
}

func TestCreate_InvalidSeatCount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), booking.CreateRequest{UserID: f.user, ShowtimeID: f.showtime.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	labels := []string{"A1", "A2", "A3", "A4", "A5", "A6", "A7", "A8", "A9", "A10", "B1"}
	_, err = f.svc.Create(context.Background(), booking.CreateRequest{UserID: f.user, ShowtimeID: f.showtime.ID, SeatIDs: f.ids(labels...)})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestCreate_ConcurrentSameSeat(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	var ok, unavailable int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), booking.CreateRequest{
				UserID:     uuid.New(),
				ShowtimeID: f.showtime.ID,
				SeatIDs:    f.ids("A1"),
			})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case assert.ErrorIs(t, err, domain.ErrSeatUnavailable):
				atomic.AddInt32(&unavailable, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok)
	assert.EqualValues(t, 1, unavailable)
}

func TestCreate_ShortStockLeavesSeatsAlone(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), booking.CreateRequest{
		UserID:      f.user,
		ShowtimeID:  f.showtime.ID,
		SeatIDs:     f.ids("A1", "A2"),
		Merchandise: []pricing.MerchRequest{{SKU: "poster-1", Quantity: 4}},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, domain.SeatAvailable, f.status(t, "A1"))
	assert.Equal(t, domain.SeatAvailable, f.status(t, "A2"))
	assert.Empty(t, f.store.Events())
}

func TestCreate_ShowtimeStarted(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(25 * time.Hour)
	_, err := f.svc.Create(context.Background(), booking.CreateRequest{UserID: f.user, ShowtimeID: f.showtime.ID, SeatIDs: f.ids("A1")})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConfirm_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "A1", "A2")
	paymentID := f.succeededPayment(t, b)

	first, err := f.svc.Confirm(ctx, f.user, b.ID, paymentID)
	require.NoError(t, err)
	second, err := f.svc.Confirm(ctx, f.user, b.ID, paymentID)
	require.NoError(t, err)

	assert.Equal(t, domain.BookingConfirmed, first.Status)
	assert.Equal(t, domain.BookingConfirmed, second.Status)
	assert.Equal(t, first.ConfirmedAt, second.ConfirmedAt)
	assert.Equal(t, domain.SeatBooked, f.status(t, "A1"))

	confirmed := 0
	for _, ev := range f.store.Events() {
		if ev.Type == domain.EventBookingConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)

	other := f.succeededPayment(t, b)
	_, err = f.svc.Confirm(ctx, f.user, b.ID, other)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConfirm_RequiresSucceededPayment(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, "A1")

	_, err := f.svc.Confirm(context.Background(), f.user, b.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	paymentID := f.succeededPayment(t, b)
	_, err = f.svc.Confirm(context.Background(), uuid.New(), b.ID, paymentID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestExpireSweep_ReleasesSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "B2", "B3")

	n, err := f.svc.ExpireSweep(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(10*time.Minute + time.Second)
	n, err = f.svc.ExpireSweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, f.user, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, got.Status)
	assert.Equal(t, booking.ReasonHoldExpired, got.CancelReason)
	assert.Equal(t, domain.SeatAvailable, f.status(t, "B2"))
	assert.Equal(t, domain.SeatAvailable, f.status(t, "B3"))

	paymentID := f.succeededPayment(t, got)
	_, err = f.svc.Confirm(ctx, f.user, b.ID, paymentID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelAndSweep_ReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, booking.CreateRequest{
		UserID:      f.user,
		ShowtimeID:  f.showtime.ID,
		SeatIDs:     f.ids("A5"),
		Merchandise: []pricing.MerchRequest{{SKU: "poster-1", Quantity: 2}},
	})
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.Cancel(ctx, f.user, b.ID)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.svc.ExpireSweep(ctx, 10)
		assert.NoError(t, err)
	}()
	wg.Wait()

	left, err := f.ledger.Stock(ctx, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, 3, left)
	assert.Equal(t, domain.SeatAvailable, f.status(t, "A5"))

	released := 0
	for _, ev := range f.store.Events() {
		if ev.Type == domain.EventBookingExpired || ev.Type == domain.EventBookingCancelled {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestCancel_Pending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "A3")

	_, err := f.svc.Cancel(ctx, uuid.New(), b.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.Cancel(ctx, f.user, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, booking.ReasonUserCancel, got.CancelReason)
	assert.Equal(t, domain.SeatAvailable, f.status(t, "A3"))

	again, err := f.svc.Cancel(ctx, f.user, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, again.Status)
}

func TestCancel_ConfirmedWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.create(t, "A1")
	_, err := f.svc.Confirm(ctx, f.user, early.ID, f.succeededPayment(t, early))
	require.NoError(t, err)
	late := f.create(t, "A2")
	_, err = f.svc.Confirm(ctx, f.user, late.ID, f.succeededPayment(t, late))
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, f.user, early.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, domain.SeatBooked, f.status(t, "A1"), "seats stay booked until the payment is refunded")

	f.clock.Advance(23 * time.Hour)
	_, err = f.svc.Cancel(ctx, f.user, late.ID)
	assert.ErrorIs(t, err, domain.ErrCancelWindowClosed)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRefundTx_ReopensSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "B5")
	_, err := f.svc.Confirm(ctx, f.user, b.ID, f.succeededPayment(t, b))
	require.NoError(t, err)

	err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.svc.RefundTx(ctx, tx, b.ID)
		return err
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, f.user, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, booking.ReasonRefunded, got.CancelReason)
	assert.Equal(t, domain.SeatAvailable, f.status(t, "B5"))
}

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "A7")
	f.clock.Advance(time.Minute)
	f.create(t, "A8")

	byCode, err := f.svc.GetByCode(ctx, f.user, b.Code)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byCode.ID)

	_, err = f.svc.GetByCode(ctx, f.user, "BKNOPE")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	list, err := f.svc.List(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[1].ID, "newest first")

	_, err = f.svc.Get(ctx, uuid.New(), b.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
