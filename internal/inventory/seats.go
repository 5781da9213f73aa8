package inventory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
)

// HoldSeats flips every requested seat from AVAILABLE to HELD under a new
// token. If any seat is missing or not AVAILABLE nothing is written and
// domain.ErrSeatUnavailable is returned. bookingID may be nil for holds that
// are not yet attached to a booking.
func HoldSeats(ctx context.Context, tx store.SeatTx, showtimeID uuid.UUID, seatIDs []uuid.UUID, bookingID *uuid.UUID, now time.Time, ttl time.Duration) (domain.ReservationToken, []domain.Seat, error) {
	if err := domain.ValidateSeatCount(seatIDs); err != nil {
		return domain.ReservationToken{}, nil, err
	}

	seats, err := tx.LockSeats(ctx, showtimeID, seatIDs)
	if err != nil {
		return domain.ReservationToken{}, nil, err
	}

	byID := make(map[uuid.UUID]domain.Seat, len(seats))
	for _, s := range seats {
		byID[s.ID] = s
	}

	ordered := make([]domain.Seat, 0, len(seatIDs))
	for _, id := range seatIDs {
		s, ok := byID[id]
		if !ok {
			return domain.ReservationToken{}, nil, errors.Wrapf(domain.ErrSeatUnavailable, "seat %s does not exist in showtime %s", id, showtimeID)
		}
		if !s.IsAvailable() {
			return domain.ReservationToken{}, nil, errors.Wrapf(domain.ErrSeatUnavailable, "seat %s is %s", s.Label(), s.Status)
		}
		ordered = append(ordered, s)
	}

	token := domain.ReservationToken{
		ID:         uuid.New(),
		ShowtimeID: showtimeID,
		SeatIDs:    append([]uuid.UUID(nil), seatIDs...),
		ExpiresAt:  now.Add(ttl),
	}
	for i := range ordered {
		ordered[i].Status = domain.SeatHeld
		ordered[i].HoldToken = &token.ID
		ordered[i].BookingID = bookingID
		ordered[i].HoldExpiresAt = &token.ExpiresAt
	}
	if err := tx.UpdateSeats(ctx, ordered); err != nil {
		return domain.ReservationToken{}, nil, err
	}
	return token, ordered, nil
}

// CommitHeld turns the seats held under token into BOOKED. Seats already
// BOOKED under the token are left alone, so a retried commit is a no-op.
// It returns the seats it changed.
func CommitHeld(ctx context.Context, tx store.SeatTx, token uuid.UUID, now time.Time) ([]domain.Seat, error) {
	seats, err := tx.LockSeatsByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(seats) == 0 {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "no seats carry hold %s", token)
	}

	var changed []domain.Seat
	for _, s := range seats {
		switch s.Status {
		case domain.SeatBooked:
			continue
		case domain.SeatHeld:
			if s.HoldExpiresAt != nil && !now.Before(*s.HoldExpiresAt) {
				return nil, errors.Wrapf(domain.ErrSeatUnavailable, "hold on seat %s lapsed at %s", s.Label(), s.HoldExpiresAt.Format(time.RFC3339))
			}
			s.Status = domain.SeatBooked
			s.HoldExpiresAt = nil
			changed = append(changed, s)
		default:
			return nil, errors.Wrapf(domain.ErrInvalidState, "seat %s is %s under hold %s", s.Label(), s.Status, token)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := tx.UpdateSeats(ctx, changed); err != nil {
		return nil, err
	}
	return changed, nil
}

// ReleaseHeld returns every seat still HELD under token to AVAILABLE and
// returns the seats it changed. Releasing twice changes nothing the second
// time. BOOKED seats are never touched.
func ReleaseHeld(ctx context.Context, tx store.SeatTx, token uuid.UUID) ([]domain.Seat, error) {
	seats, err := tx.LockSeatsByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return reopen(ctx, tx, seats, domain.SeatHeld)
}

// ReopenBooked returns the BOOKED seats of a booking to AVAILABLE. Used when a
// paid booking is refunded.
func ReopenBooked(ctx context.Context, tx store.SeatTx, bookingID uuid.UUID) ([]domain.Seat, error) {
	seats, err := tx.LockSeatsByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return reopen(ctx, tx, seats, domain.SeatBooked)
}

func reopen(ctx context.Context, tx store.SeatTx, seats []domain.Seat, from domain.SeatStatus) ([]domain.Seat, error) {
	var changed []domain.Seat
	for _, s := range seats {
		if s.Status != from {
			continue
		}
		s.Status = domain.SeatAvailable
		s.HoldToken = nil
		s.BookingID = nil
		s.HoldExpiresAt = nil
		changed = append(changed, s)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := tx.UpdateSeats(ctx, changed); err != nil {
		return nil, err
	}
	return changed, nil
}
