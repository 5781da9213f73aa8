// Package store declares the persistence ports of the booking engine. Every
// state change happens inside UnitOfWork.WithTx, which must give the callback
// a serializable view: row locks taken through Tx are held until fn returns,
// and a returned error discards every write made through that Tx.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
)

type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	SeatTx
	StockTx
	BookingTx
	CartTx
	OrderTx
	PaymentTx
	InsertOutbox(ctx context.Context, ev domain.Event) error
}

type SeatTx interface {
	// InsertSeats stores a fresh seat map. It returns domain.ErrConflict if the
	// showtime already has seats.
	InsertSeats(ctx context.Context, seats []domain.Seat) error
	// LockSeats locks and returns the requested seats of one showtime. Seats
	// that do not exist are absent from the result.
	LockSeats(ctx context.Context, showtimeID uuid.UUID, seatIDs []uuid.UUID) ([]domain.Seat, error)
	// LockSeatsByToken locks every seat currently carrying the hold token.
	LockSeatsByToken(ctx context.Context, token uuid.UUID) ([]domain.Seat, error)
	LockSeatsByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.Seat, error)
	UpdateSeats(ctx context.Context, seats []domain.Seat) error
	ListSeats(ctx context.Context, showtimeID uuid.UUID) ([]domain.Seat, error)
	// ExpiredHoldTokens returns distinct tokens of HELD seats whose deadline is not after now.
	ExpiredHoldTokens(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type StockTx interface {
	// LockStock locks the stock rows of the given SKUs. Unknown SKUs are absent.
	LockStock(ctx context.Context, skus []string) (map[string]int, error)
	SetStock(ctx context.Context, sku string, qty int) error
}

type BookingTx interface {
	InsertBooking(ctx context.Context, b *domain.Booking) error
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	GetBookingByCode(ctx context.Context, code string) (*domain.Booking, error)
	GetBookingByHoldToken(ctx context.Context, token uuid.UUID) (*domain.Booking, error)
	UpdateBooking(ctx context.Context, b *domain.Booking) error
	ListBookingsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Booking, error)
	ExpiredBookings(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type CartTx interface {
	// GetCart returns domain.ErrNotFound when the user has no cart yet.
	GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error)
	// SaveCart upserts the cart and bumps its version.
	SaveCart(ctx context.Context, c *domain.Cart) error
}

type OrderTx interface {
	InsertOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
	ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type PaymentTx interface {
	InsertPayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	// OpenPaymentForOwner returns the CREATED or PROCESSING payment of an
	// owner, or domain.ErrNotFound.
	OpenPaymentForOwner(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (*domain.Payment, error)
	StalePayments(ctx context.Context, status domain.PaymentStatus, updatedBefore time.Time, limit int) ([]uuid.UUID, error)
	// FailedPayments returns FAILED payments with the given failure reason,
	// oldest first.
	FailedPayments(ctx context.Context, reason string, limit int) ([]uuid.UUID, error)
}
