// Package memstore is an in-process implementation of store.UnitOfWork. A
// single mutex serializes transactions; each transaction works on a copy of
// the state that replaces the live state only when the callback succeeds.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
)

type state struct {
	seats         map[uuid.UUID]domain.Seat
	showtimeSeats map[uuid.UUID][]uuid.UUID
	stock         map[string]int
	bookings      map[uuid.UUID]domain.Booking
	bookingCodes  map[string]uuid.UUID
	carts         map[uuid.UUID]domain.Cart
	orders        map[uuid.UUID]domain.Order
	payments      map[uuid.UUID]domain.Payment
	outbox        []outboxRow
}

type outboxRow struct {
	event       domain.Event
	publishedAt *time.Time
}

func newState() *state {
	return &state{
		seats:         map[uuid.UUID]domain.Seat{},
		showtimeSeats: map[uuid.UUID][]uuid.UUID{},
		stock:         map[string]int{},
		bookings:      map[uuid.UUID]domain.Booking{},
		bookingCodes:  map[string]uuid.UUID{},
		carts:         map[uuid.UUID]domain.Cart{},
		orders:        map[uuid.UUID]domain.Order{},
		payments:      map[uuid.UUID]domain.Payment{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.seats {
		c.seats[k] = v
	}
	for k, v := range s.showtimeSeats {
		c.showtimeSeats[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.bookingCodes {
		c.bookingCodes[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.outbox = append([]outboxRow(nil), s.outbox...)
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.UnitOfWork = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// FetchUnpublished returns outbox events not yet relayed, oldest first.
func (s *Store) FetchUnpublished(_ context.Context, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, row := range s.state.outbox {
		if row.publishedAt == nil {
			out = append(out, row.event)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		if s.state.outbox[i].event.ID == id {
			s.state.outbox[i].publishedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

// Events returns every outbox event ever written, for assertions.
func (s *Store) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.state.outbox))
	for i, row := range s.state.outbox {
		out[i] = row.event
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) InsertSeats(_ context.Context, seats []domain.Seat) error {
	for _, seat := range seats {
		if len(t.st.showtimeSeats[seat.ShowtimeID]) > 0 {
			return errors.Wrapf(domain.ErrConflict, "showtime %s already has seats", seat.ShowtimeID)
		}
	}
	for _, seat := range seats {
		if _, exists := t.st.seats[seat.ID]; exists {
			return errors.Wrapf(domain.ErrConflict, "seat %s already exists", seat.ID)
		}
		t.st.seats[seat.ID] = seat
		ids := t.st.showtimeSeats[seat.ShowtimeID]
		t.st.showtimeSeats[seat.ShowtimeID] = append(ids[:len(ids):len(ids)], seat.ID)
	}
	return nil
}

func (t *tx) LockSeats(_ context.Context, showtimeID uuid.UUID, seatIDs []uuid.UUID) ([]domain.Seat, error) {
	out := make([]domain.Seat, 0, len(seatIDs))
	for _, id := range seatIDs {
		seat, ok := t.st.seats[id]
		if ok && seat.ShowtimeID == showtimeID {
			out = append(out, seat)
		}
	}
	return out, nil
}

func (t *tx) LockSeatsByToken(_ context.Context, token uuid.UUID) ([]domain.Seat, error) {
	return t.filterSeats(func(s domain.Seat) bool { return s.HoldToken != nil && *s.HoldToken == token }), nil
}

func (t *tx) LockSeatsByBooking(_ context.Context, bookingID uuid.UUID) ([]domain.Seat, error) {
	return t.filterSeats(func(s domain.Seat) bool { return s.BookingID != nil && *s.BookingID == bookingID }), nil
}

func (t *tx) filterSeats(keep func(domain.Seat) bool) []domain.Seat {
	var out []domain.Seat
	for _, ids := range t.st.showtimeSeats {
		for _, id := range ids {
			if seat := t.st.seats[id]; keep(seat) {
				out = append(out, seat)
			}
		}
	}
	sortSeats(out)
	return out
}

func (t *tx) UpdateSeats(_ context.Context, seats []domain.Seat) error {
	for _, seat := range seats {
		cur, ok := t.st.seats[seat.ID]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "seat %s", seat.ID)
		}
		seat.Version = cur.Version + 1
		t.st.seats[seat.ID] = seat
	}
	return nil
}

func (t *tx) ListSeats(_ context.Context, showtimeID uuid.UUID) ([]domain.Seat, error) {
	ids := t.st.showtimeSeats[showtimeID]
	out := make([]domain.Seat, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.st.seats[id])
	}
	sortSeats(out)
	return out, nil
}

func (t *tx) ExpiredHoldTokens(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, seat := range t.st.seats {
		if seat.Status != domain.SeatHeld || seat.HoldToken == nil || seat.HoldExpiresAt == nil {
			continue
		}
		if seat.HoldExpiresAt.After(now) {
			continue
		}
		if _, ok := seen[*seat.HoldToken]; ok {
			continue
		}
		seen[*seat.HoldToken] = struct{}{}
		out = append(out, *seat.HoldToken)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *tx) LockStock(_ context.Context, skus []string) (map[string]int, error) {
	out := make(map[string]int, len(skus))
	for _, sku := range skus {
		if qty, ok := t.st.stock[sku]; ok {
			out[sku] = qty
		}
	}
	return out, nil
}

func (t *tx) SetStock(_ context.Context, sku string, qty int) error {
	if qty < 0 {
		return errors.Wrapf(domain.ErrInsufficientStock, "stock of %s would become %d", sku, qty)
	}
	t.st.stock[sku] = qty
	return nil
}

func (t *tx) InsertBooking(_ context.Context, b *domain.Booking) error {
	if _, taken := t.st.bookingCodes[b.Code]; taken {
		return domain.ErrDuplicateCode
	}
	if _, exists := t.st.bookings[b.ID]; exists {
		return errors.Wrapf(domain.ErrConflict, "booking %s already exists", b.ID)
	}
	t.st.bookings[b.ID] = cloneBooking(*b)
	t.st.bookingCodes[b.Code] = b.ID
	return nil
}

func (t *tx) GetBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, ok := t.st.bookings[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "booking %s", id)
	}
	c := cloneBooking(b)
	return &c, nil
}

func (t *tx) GetBookingByCode(ctx context.Context, code string) (*domain.Booking, error) {
	id, ok := t.st.bookingCodes[code]
	if !ok {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "booking code %s", code)
	}
	return t.GetBooking(ctx, id)
}

func (t *tx) GetBookingByHoldToken(_ context.Context, token uuid.UUID) (*domain.Booking, error) {
	for _, b := range t.st.bookings {
		if b.HoldToken == token {
			c := cloneBooking(b)
			return &c, nil
		}
	}
	return nil, errors.Wrapf(domain.ErrNotFound, "booking with hold %s", token)
}

func (t *tx) UpdateBooking(_ context.Context, b *domain.Booking) error {
	if _, ok := t.st.bookings[b.ID]; !ok {
		return errors.Wrapf(domain.ErrTransactionNotFound, "booking %s", b.ID)
	}
	t.st.bookings[b.ID] = cloneBooking(*b)
	return nil
}

func (t *tx) ListBookingsByUser(_ context.Context, userID uuid.UUID) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range t.st.bookings {
		if b.UserID == userID {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) ExpiredBookings(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, b := range t.st.bookings {
		if b.Status == domain.BookingPendingPayment && !b.HoldExpiresAt.After(now) {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) GetCart(_ context.Context, userID uuid.UUID) (*domain.Cart, error) {
	c, ok := t.st.carts[userID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "cart of user %s", userID)
	}
	c.Lines = append([]domain.CartLine(nil), c.Lines...)
	return &c, nil
}

func (t *tx) SaveCart(_ context.Context, c *domain.Cart) error {
	c.Version++
	saved := *c
	saved.Lines = append([]domain.CartLine(nil), c.Lines...)
	t.st.carts[c.UserID] = saved
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *domain.Order) error {
	if _, exists := t.st.orders[o.ID]; exists {
		return errors.Wrapf(domain.ErrConflict, "order %s already exists", o.ID)
	}
	t.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *tx) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "order %s", id)
	}
	c := cloneOrder(o)
	return &c, nil
}

func (t *tx) UpdateOrder(_ context.Context, o *domain.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return errors.Wrapf(domain.ErrTransactionNotFound, "order %s", o.ID)
	}
	t.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *tx) ListOrdersByUser(_ context.Context, userID uuid.UUID) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.st.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) ExpiredOrders(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, o := range t.st.orders {
		if o.Status == domain.OrderPendingPayment && !o.ExpiresAt.After(now) {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) InsertPayment(_ context.Context, p *domain.Payment) error {
	if _, exists := t.st.payments[p.ID]; exists {
		return errors.Wrapf(domain.ErrConflict, "payment %s already exists", p.ID)
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *tx) GetPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "payment %s", id)
	}
	return &p, nil
}

func (t *tx) UpdatePayment(_ context.Context, p *domain.Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return errors.Wrapf(domain.ErrTransactionNotFound, "payment %s", p.ID)
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *tx) OpenPaymentForOwner(_ context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (*domain.Payment, error) {
	for _, p := range t.st.payments {
		if p.OwnerType == ownerType && p.OwnerID == ownerID && !p.Status.IsTerminal() {
			return &p, nil
		}
	}
	return nil, errors.Wrapf(domain.ErrNotFound, "open payment for %s %s", ownerType, ownerID)
}

func (t *tx) StalePayments(_ context.Context, status domain.PaymentStatus, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, p := range t.st.payments {
		if p.Status == status && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) FailedPayments(_ context.Context, reason string, limit int) ([]uuid.UUID, error) {
	var failed []domain.Payment
	for _, p := range t.st.payments {
		if p.Status == domain.PaymentFailed && p.FailureReason == reason {
			failed = append(failed, p)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt.Before(failed[j].UpdatedAt) })
	var out []uuid.UUID
	for _, p := range failed {
		if len(out) == limit {
			break
		}
		out = append(out, p.ID)
	}
	return out, nil
}

func (t *tx) InsertOutbox(_ context.Context, ev domain.Event) error {
	t.st.outbox = append(t.st.outbox, outboxRow{event: ev})
	return nil
}

func sortSeats(seats []domain.Seat) {
	sort.Slice(seats, func(i, j int) bool {
		if seats[i].Row != seats[j].Row {
			return seats[i].Row < seats[j].Row
		}
		return seats[i].Column < seats[j].Column
	})
}

func cloneBooking(b domain.Booking) domain.Booking {
	b.Seats = append([]domain.SeatLine(nil), b.Seats...)
	b.Food = append([]domain.LineItem(nil), b.Food...)
	b.Merchandise = append([]domain.LineItem(nil), b.Merchandise...)
	return b
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = append([]domain.LineItem(nil), o.Lines...)
	return o
}
