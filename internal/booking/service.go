// Package booking drives a ticket purchase from seat selection to a
// confirmed, cancelled or expired booking.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
)

const (
	maxCodeAttempts = 5
	aggregateType   = "booking"

	ReasonHoldExpired = "hold_expired"
	ReasonUserCancel  = "user_cancelled"
	ReasonPaymentFail = "payment_failed"
	ReasonRefunded    = "refunded"
)

type CreateRequest struct {
	UserID      uuid.UUID
	ShowtimeID  uuid.UUID
	SeatIDs     []uuid.UUID
	Food        []pricing.FoodRequest
	Merchandise []pricing.MerchRequest
}

type Service struct {
	uow          store.UnitOfWork
	ledger       *inventory.Ledger
	calc         *pricing.Calculator
	catalog      pricing.Catalog
	logger       observability.Logger
	cancelCutoff time.Duration
	now          func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(uow store.UnitOfWork, ledger *inventory.Ledger, catalog pricing.Catalog, logger observability.Logger, cancelCutoff time.Duration, opts ...Option) *Service {
	s := &Service{
		uow:          uow,
		ledger:       ledger,
		calc:         pricing.NewCalculator(catalog),
		catalog:      catalog,
		logger:       logger,
		cancelCutoff: cancelCutoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create holds the requested seats, prices everything from the catalog and
// stores a PENDING_PAYMENT booking. Seats, merchandise stock, the booking row
// and its outbox event are written in one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Booking, error) {
	ctx, span := observability.StartSpan(ctx, "booking.Create")
	defer span.End()

	if err := domain.ValidateSeatCount(req.SeatIDs); err != nil {
		return nil, err
	}

	quote, err := s.calc.QuoteBooking(ctx, req.ShowtimeID, req.Food, req.Merchandise)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !now.Before(quote.Showtime.StartsAt) {
		return nil, errors.Wrapf(domain.ErrInvalidState, "showtime %s already started", req.ShowtimeID)
	}

	var b *domain.Booking
	err = s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bookingID := uuid.New()
		token, seats, err := inventory.HoldSeats(ctx, tx, req.ShowtimeID, req.SeatIDs, &bookingID, now, s.ledger.HoldTTL())
		if err != nil {
			return err
		}
		if err := inventory.TakeStock(ctx, tx, inventory.Quantities(quote.Merchandise)); err != nil {
			return err
		}

		seatLines, seatTotal := pricing.PriceSeats(quote.Showtime, seats)
		b = &domain.Booking{
			ID:            bookingID,
			UserID:        req.UserID,
			ShowtimeID:    req.ShowtimeID,
			Status:        domain.BookingPendingPayment,
			HoldToken:     token.ID,
			HoldExpiresAt: token.ExpiresAt,
			Seats:         seatLines,
			Food:          quote.Food,
			Merchandise:   quote.Merchandise,
			SeatTotal:     seatTotal,
			FoodTotal:     quote.FoodTotal,
			MerchTotal:    quote.MerchTotal,
			TotalAmount:   seatTotal.Add(quote.FoodTotal).Add(quote.MerchTotal),
			CreatedAt:     now,
		}
		if err := insertWithCode(ctx, tx, b); err != nil {
			return err
		}
		return s.emit(ctx, tx, b, domain.EventBookingReserved, now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrSeatUnavailable) {
			observability.SeatReservations.WithLabelValues("unavailable").Inc()
		}
		return nil, err
	}

	observability.SeatReservations.WithLabelValues("held").Inc()
	s.ledger.Invalidate(ctx, b.ShowtimeID)
	s.logger.WithField("booking_id", b.ID).WithField("code", b.Code).WithField("seats", len(b.Seats)).Info("booking reserved")
	return b, nil
}

func insertWithCode(ctx context.Context, tx store.Tx, b *domain.Booking) error {
	for i := 0; i < maxCodeAttempts; i++ {
		b.Code = domain.NewBookingCode()
		err := tx.InsertBooking(ctx, b)
		if !errors.Is(err, domain.ErrDuplicateCode) {
			return err
		}
	}
	return errors.Wrapf(domain.ErrConflict, "no unique booking code after %d attempts", maxCodeAttempts)
}

// Confirm confirms a booking against a payment that already succeeded.
// Repeating the call with the same payment returns the confirmed booking.
func (s *Service) Confirm(ctx context.Context, userID, bookingID, paymentID uuid.UUID) (*domain.Booking, error) {
	var b *domain.Booking
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.OwnerType != domain.OwnerBooking || p.OwnerID != bookingID {
			return errors.Wrapf(domain.ErrInvalidInput, "payment %s does not belong to booking %s", paymentID, bookingID)
		}
		if p.Status != domain.PaymentSucceeded {
			return errors.Wrapf(domain.ErrInvalidState, "payment %s is %s", paymentID, p.Status)
		}
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.UserID != userID {
			return errors.Wrapf(domain.ErrForbidden, "booking %s", bookingID)
		}
		b, err = s.ConfirmTx(ctx, tx, bookingID, paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ledger.Invalidate(ctx, b.ShowtimeID)
	return b, nil
}

// ConfirmTx moves a pending booking to CONFIRMED and commits its seats inside
// tx. A booking whose hold deadline passed is reported as
// domain.ErrInvalidState without any write.
func (s *Service) ConfirmTx(ctx context.Context, tx store.Tx, bookingID, paymentID uuid.UUID) (*domain.Booking, error) {
	now := s.now()
	b, err := tx.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == domain.BookingPendingPayment && !now.Before(b.HoldExpiresAt) {
		return nil, errors.Wrapf(domain.ErrInvalidState, "hold of booking %s expired at %s", b.ID, b.HoldExpiresAt.Format(time.RFC3339))
	}

	changed, err := b.Confirm(paymentID, now)
	if err != nil || !changed {
		return b, err
	}
	if _, err := inventory.CommitHeld(ctx, tx, b.HoldToken, now); err != nil {
		return nil, err
	}
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, tx, b, domain.EventBookingConfirmed, now); err != nil {
		return nil, err
	}
	s.logger.WithField("booking_id", b.ID).WithField("payment_id", paymentID).Info("booking confirmed")
	return b, nil
}

// ReleaseTx ends a pending booking and returns its held seats and stock. A
// booking past its deadline becomes EXPIRED, any other pending booking
// CANCELLED with reason. Terminal bookings are returned unchanged.
func (s *Service) ReleaseTx(ctx context.Context, tx store.Tx, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	now := s.now()
	b, err := tx.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BookingPendingPayment {
		return b, nil
	}

	event := domain.EventBookingExpired
	if !b.Expire(now) {
		b.Cancel(reason, now)
		event = domain.EventBookingCancelled
	}
	if err := s.releaseHolds(ctx, tx, b); err != nil {
		return nil, err
	}
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	if err := payment.AbandonTx(ctx, tx, domain.OwnerBooking, b.ID, now); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, tx, b, event, now); err != nil {
		return nil, err
	}
	s.logger.WithField("booking_id", b.ID).WithField("status", b.Status).WithField("reason", b.CancelReason).Warn("booking released")
	return b, nil
}

// RefundTx cancels a paid booking and re-opens its seats.
func (s *Service) RefundTx(ctx context.Context, tx store.Tx, bookingID uuid.UUID) (*domain.Booking, error) {
	now := s.now()
	b, err := tx.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BookingConfirmed && b.Status != domain.BookingCancelled {
		return nil, errors.Wrapf(domain.ErrInvalidState, "booking %s is %s", b.ID, b.Status)
	}
	if b.PaymentID == nil {
		return nil, errors.Wrapf(domain.ErrInvalidState, "booking %s was never paid", b.ID)
	}

	if _, changed := b.Cancel(ReasonRefunded, now); changed {
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return nil, err
		}
		if err := s.emit(ctx, tx, b, domain.EventBookingCancelled, now); err != nil {
			return nil, err
		}
	}
	reopened, err := inventory.ReopenBooked(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	observability.SeatsReleased.WithLabelValues(ReasonRefunded).Add(float64(len(reopened)))
	return b, inventory.ReturnStock(ctx, tx, inventory.Quantities(b.Merchandise))
}

// Cancel cancels a booking on behalf of its owner. Pending bookings release
// their seats. Confirmed bookings may be cancelled until the cutoff before
// the show; their seats stay BOOKED until the payment is refunded.
func (s *Service) Cancel(ctx context.Context, userID, bookingID uuid.UUID) (*domain.Booking, error) {
	var b *domain.Booking
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.UserID != userID {
			return errors.Wrapf(domain.ErrForbidden, "booking %s", bookingID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case domain.BookingCancelled, domain.BookingExpired:
		return b, nil
	case domain.BookingConfirmed:
		return s.cancelConfirmed(ctx, b)
	}

	err = s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = s.ReleaseTx(ctx, tx, bookingID, ReasonUserCancel)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b.Status == domain.BookingConfirmed {
		// Confirmed between the read and the release.
		return s.cancelConfirmed(ctx, b)
	}
	s.ledger.Invalidate(ctx, b.ShowtimeID)
	return b, nil
}

// RefundAllowed reports domain.ErrCancelWindowClosed for a confirmed booking
// past the cancellation cutoff. A booking its owner already cancelled stays
// refundable.
func (s *Service) RefundAllowed(ctx context.Context, bookingID uuid.UUID) error {
	var b *domain.Booking
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, bookingID)
		return err
	})
	if err != nil {
		return err
	}
	if b.Status != domain.BookingConfirmed {
		return nil
	}
	return s.checkCancelWindow(ctx, b)
}

func (s *Service) checkCancelWindow(ctx context.Context, b *domain.Booking) error {
	st, err := s.catalog.GetShowtime(ctx, b.ShowtimeID)
	if err != nil {
		return err
	}
	if s.now().After(st.StartsAt.Add(-s.cancelCutoff)) {
		return errors.Wrapf(domain.ErrCancelWindowClosed, "booking %s can be cancelled until %s before the show", b.ID, s.cancelCutoff)
	}
	return nil
}

func (s *Service) cancelConfirmed(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	if err := s.checkCancelWindow(ctx, b); err != nil {
		return nil, err
	}
	now := s.now()

	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		if _, changed := cur.Cancel(ReasonUserCancel, now); !changed {
			b = cur
			return nil
		}
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		b = cur
		return s.emit(ctx, tx, cur, domain.EventBookingCancelled, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithField("booking_id", b.ID).Info("confirmed booking cancelled, seats kept until refund")
	return b, nil
}

func (s *Service) Get(ctx context.Context, userID, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.read(ctx, userID, func(ctx context.Context, tx store.Tx) (*domain.Booking, error) {
		return tx.GetBooking(ctx, bookingID)
	})
}

func (s *Service) GetByCode(ctx context.Context, userID uuid.UUID, code string) (*domain.Booking, error) {
	return s.read(ctx, userID, func(ctx context.Context, tx store.Tx) (*domain.Booking, error) {
		return tx.GetBookingByCode(ctx, code)
	})
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]domain.Booking, error) {
	var out []domain.Booking
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListBookingsByUser(ctx, userID)
		return err
	})
	return out, err
}

func (s *Service) read(ctx context.Context, userID uuid.UUID, get func(context.Context, store.Tx) (*domain.Booking, error)) (*domain.Booking, error) {
	var b *domain.Booking
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = get(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, errors.Wrapf(domain.ErrForbidden, "booking %s", b.ID)
	}
	return b, nil
}

// ExpireSweep expires pending bookings whose hold deadline passed and
// releases their inventory. Each booking is handled in its own transaction
// so one failure does not block the batch.
func (s *Service) ExpireSweep(ctx context.Context, batch int) (int, error) {
	now := s.now()
	var ids []uuid.UUID
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.ExpiredBookings(ctx, now, batch)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		var b *domain.Booking
		err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			b, err = s.ReleaseTx(ctx, tx, id, ReasonHoldExpired)
			return err
		})
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", id).Error("failed to expire booking")
			continue
		}
		if b.Status == domain.BookingExpired {
			expired++
			s.ledger.Invalidate(ctx, b.ShowtimeID)
		}
	}
	observability.ExpiredTotal.WithLabelValues(aggregateType).Add(float64(expired))
	return expired, nil
}

// Invalidate drops cached seat state of a showtime after a commit made by
// another component.
func (s *Service) Invalidate(ctx context.Context, showtimeID uuid.UUID) {
	s.ledger.Invalidate(ctx, showtimeID)
}

func (s *Service) releaseHolds(ctx context.Context, tx store.Tx, b *domain.Booking) error {
	released, err := inventory.ReleaseHeld(ctx, tx, b.HoldToken)
	if err != nil {
		return err
	}
	observability.SeatsReleased.WithLabelValues(b.CancelReason).Add(float64(len(released)))
	return inventory.ReturnStock(ctx, tx, inventory.Quantities(b.Merchandise))
}

func (s *Service) emit(ctx context.Context, tx store.Tx, b *domain.Booking, eventType string, now time.Time) error {
	ev, err := domain.NewEvent(aggregateType, b.ID, eventType, eventPayload(b), now)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, ev)
}

func eventPayload(b *domain.Booking) map[string]interface{} {
	p := map[string]interface{}{
		"booking_id":   b.ID,
		"code":         b.Code,
		"user_id":      b.UserID,
		"showtime_id":  b.ShowtimeID,
		"status":       b.Status,
		"total_amount": b.TotalAmount.StringFixed(2),
		"seat_ids":     b.SeatIDs(),
	}
	if b.PaymentID != nil {
		p["payment_id"] = *b.PaymentID
	}
	if b.CancelReason != "" {
		p["reason"] = b.CancelReason
	}
	return p
}
