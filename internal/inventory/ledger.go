// Package inventory is the ledger of the two shared resources of the engine:
// seats per showtime and merchandise stock per SKU. The package-level helpers
// run inside a caller's transaction; Ledger wraps them in their own.
package inventory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
	"golang.org/x/sync/singleflight"
)

const seatMapTTL = 30 * time.Second

// SeatMapCache stores rendered seat maps per showtime. The ledger is the
// source of truth; the cache is dropped on every mutation.
type SeatMapCache interface {
	GetSeatMap(ctx context.Context, showtimeID uuid.UUID) ([]domain.Seat, bool, error)
	SetSeatMap(ctx context.Context, showtimeID uuid.UUID, seats []domain.Seat, ttl time.Duration) error
	InvalidateSeatMap(ctx context.Context, showtimeID uuid.UUID) error
}

type Ledger struct {
	uow     store.UnitOfWork
	cache   SeatMapCache
	logger  observability.Logger
	holdTTL time.Duration
	now     func() time.Time
	flight  singleflight.Group
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithSeatMapCache(c SeatMapCache) Option {
	return func(l *Ledger) { l.cache = c }
}

func NewLedger(uow store.UnitOfWork, logger observability.Logger, holdTTL time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		uow:     uow,
		logger:  logger,
		holdTTL: holdTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) HoldTTL() time.Duration {
	return l.holdTTL
}

// LoadSeats generates and stores the seat map of a showtime.
func (l *Ledger) LoadSeats(ctx context.Context, showtimeID uuid.UUID, layout domain.SeatLayout) ([]domain.Seat, error) {
	if len(layout.Rows) == 0 || layout.SeatsPerRow < 1 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "seat layout needs at least one row and one seat per row")
	}
	for row, class := range layout.RowClasses {
		if !class.Valid() {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "row %s has unknown class %q", row, class)
		}
	}

	seats := domain.GenerateSeats(showtimeID, layout)
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSeats(ctx, seats)
	})
	if err != nil {
		return nil, err
	}
	l.Invalidate(ctx, showtimeID)
	l.logger.WithField("showtime_id", showtimeID).WithField("seats", len(seats)).Info("seat map loaded")
	return seats, nil
}

// ReserveSeats holds every requested seat or none of them.
func (l *Ledger) ReserveSeats(ctx context.Context, showtimeID uuid.UUID, seatIDs []uuid.UUID) (domain.ReservationToken, error) {
	var token domain.ReservationToken
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		token, _, err = HoldSeats(ctx, tx, showtimeID, seatIDs, nil, l.now(), l.holdTTL)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrSeatUnavailable) {
			observability.SeatReservations.WithLabelValues("unavailable").Inc()
		}
		return domain.ReservationToken{}, err
	}
	observability.SeatReservations.WithLabelValues("held").Inc()
	l.Invalidate(ctx, showtimeID)
	return token, nil
}

// CommitSeats makes a hold permanent. Committing an already committed token
// succeeds without changes.
func (l *Ledger) CommitSeats(ctx context.Context, token uuid.UUID) error {
	var changed []domain.Seat
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		changed, err = CommitHeld(ctx, tx, token, l.now())
		return err
	})
	if err != nil {
		return err
	}
	l.invalidateSeats(ctx, changed)
	return nil
}

// ReleaseSeats returns seats still held under token to AVAILABLE and reports
// how many changed.
func (l *Ledger) ReleaseSeats(ctx context.Context, token uuid.UUID) (int, error) {
	var released []domain.Seat
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		released, err = ReleaseHeld(ctx, tx, token)
		return err
	})
	if err != nil {
		return 0, err
	}
	observability.SeatsReleased.WithLabelValues("explicit").Add(float64(len(released)))
	l.invalidateSeats(ctx, released)
	return len(released), nil
}

// ReserveStock decrements stock when at least qty units are left. It reports
// false without error when stock is short.
func (l *Ledger) ReserveStock(ctx context.Context, sku string, qty int) (bool, error) {
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return TakeStock(ctx, tx, map[string]int{sku: qty})
	})
	if errors.Is(err, domain.ErrInsufficientStock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) ReleaseStock(ctx context.Context, sku string, qty int) error {
	if qty < 1 {
		return errors.Wrapf(domain.ErrInvalidQuantity, "quantity must be at least 1, got %d", qty)
	}
	return l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return ReturnStock(ctx, tx, map[string]int{sku: qty})
	})
}

// SetStock overwrites the stock count of a SKU. Used by seeding and by the
// catalog sync.
func (l *Ledger) SetStock(ctx context.Context, sku string, qty int) error {
	if qty < 0 {
		return errors.Wrapf(domain.ErrInvalidQuantity, "stock cannot be negative, got %d", qty)
	}
	return l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetStock(ctx, sku, qty)
	})
}

func (l *Ledger) Stock(ctx context.Context, sku string) (int, error) {
	var qty int
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		have, err := tx.LockStock(ctx, []string{sku})
		if err != nil {
			return err
		}
		n, ok := have[sku]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "sku %s", sku)
		}
		qty = n
		return nil
	})
	return qty, err
}

// SeatMap returns the seats of a showtime, served from cache when possible.
// Concurrent misses for the same showtime share one read.
func (l *Ledger) SeatMap(ctx context.Context, showtimeID uuid.UUID) ([]domain.Seat, error) {
	if l.cache != nil {
		seats, ok, err := l.cache.GetSeatMap(ctx, showtimeID)
		if err != nil {
			l.logger.WithError(err).WithField("showtime_id", showtimeID).Warn("seat map cache read failed")
		} else if ok {
			observability.SeatMapCache.WithLabelValues("hit").Inc()
			return seats, nil
		}
		observability.SeatMapCache.WithLabelValues("miss").Inc()
	}

	v, err, _ := l.flight.Do(showtimeID.String(), func() (interface{}, error) {
		var seats []domain.Seat
		err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			seats, err = tx.ListSeats(ctx, showtimeID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(seats) == 0 {
			return nil, errors.Wrapf(domain.ErrNotFound, "showtime %s has no seats", showtimeID)
		}
		if l.cache != nil {
			if err := l.cache.SetSeatMap(ctx, showtimeID, seats, seatMapTTL); err != nil {
				l.logger.WithError(err).WithField("showtime_id", showtimeID).Warn("seat map cache write failed")
			}
		}
		return seats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Seat), nil
}

// SweepExpiredHolds releases HELD seats whose deadline passed and whose hold
// does not belong to a pending booking. Pending bookings are expired by the
// booking sweeper, which releases their seats in the same transaction.
func (l *Ledger) SweepExpiredHolds(ctx context.Context, batch int) (int, error) {
	now := l.now()
	var tokens []uuid.UUID
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tokens, err = tx.ExpiredHoldTokens(ctx, now, batch)
		return err
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, token := range tokens {
		released, err := l.releaseOrphanHold(ctx, token, now)
		if err != nil {
			l.logger.WithError(err).WithField("hold_token", token).Error("failed to release expired hold")
			continue
		}
		total += len(released)
		l.invalidateSeats(ctx, released)
	}
	if total > 0 {
		observability.SeatsReleased.WithLabelValues("hold_expired").Add(float64(total))
		l.logger.WithField("seats", total).Info("expired seat holds released")
	}
	return total, nil
}

func (l *Ledger) releaseOrphanHold(ctx context.Context, token uuid.UUID, now time.Time) ([]domain.Seat, error) {
	var released []domain.Seat
	err := l.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBookingByHoldToken(ctx, token)
		switch {
		case err == nil && b.Status == domain.BookingPendingPayment:
			return nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}

		released, err = ReleaseHeld(ctx, tx, token)
		if err != nil || len(released) == 0 {
			return err
		}
		ids := make([]uuid.UUID, len(released))
		for i, s := range released {
			ids[i] = s.ID
		}
		ev, err := domain.NewEvent("hold", token, domain.EventSeatHoldsReleased, map[string]interface{}{
			"hold_token":  token,
			"showtime_id": released[0].ShowtimeID,
			"seat_ids":    ids,
			"reason":      "hold_expired",
		}, now)
		if err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, ev)
	})
	return released, err
}

// Invalidate drops the cached seat map of a showtime. Failures are logged; a
// stale entry expires on its own.
func (l *Ledger) Invalidate(ctx context.Context, showtimeID uuid.UUID) {
	if l.cache == nil {
		return
	}
	if err := l.cache.InvalidateSeatMap(ctx, showtimeID); err != nil {
		l.logger.WithError(err).WithField("showtime_id", showtimeID).Warn("seat map cache invalidation failed")
	}
}

func (l *Ledger) invalidateSeats(ctx context.Context, seats []domain.Seat) {
	seen := map[uuid.UUID]struct{}{}
	for _, s := range seats {
		if _, ok := seen[s.ShowtimeID]; ok {
			continue
		}
		seen[s.ShowtimeID] = struct{}{}
		l.Invalidate(ctx, s.ShowtimeID)
	}
}
