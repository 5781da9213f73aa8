package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MinSeatsPerBooking = 1
	MaxSeatsPerBooking = 10
)

type BookingStatus string

const (
	BookingPendingPayment BookingStatus = "PENDING_PAYMENT"
	BookingConfirmed      BookingStatus = "CONFIRMED"
	BookingCancelled      BookingStatus = "CANCELLED"
	BookingExpired        BookingStatus = "EXPIRED"
)

func (s BookingStatus) IsTerminal() bool {
	return s == BookingCancelled || s == BookingExpired
}

type SeatLine struct {
	SeatID    uuid.UUID       `json:"seat_id"`
	Label     string          `json:"label"`
	Class     SeatClass       `json:"class"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// LineItem is a priced food or merchandise line. UnitPrice is a snapshot of
// the catalog price at the moment the line was priced.
type LineItem struct {
	Ref       string          `json:"ref"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Booking struct {
	ID            uuid.UUID
	Code          string
	UserID        uuid.UUID
	ShowtimeID    uuid.UUID
	Status        BookingStatus
	HoldToken     uuid.UUID
	HoldExpiresAt time.Time
	Seats         []SeatLine
	Food          []LineItem
	Merchandise   []LineItem
	SeatTotal     decimal.Decimal
	FoodTotal     decimal.Decimal
	MerchTotal    decimal.Decimal
	TotalAmount   decimal.Decimal
	PaymentID     *uuid.UUID
	CancelReason  string
	CreatedAt     time.Time
	ConfirmedAt   *time.Time
	CancelledAt   *time.Time
}

func (b *Booking) SeatIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(b.Seats))
	for i, s := range b.Seats {
		ids[i] = s.SeatID
	}
	return ids
}

// Confirm moves a pending booking to CONFIRMED. Confirming twice with the same
// payment is a no-op and reports changed=false.
func (b *Booking) Confirm(paymentID uuid.UUID, now time.Time) (changed bool, err error) {
	switch b.Status {
	case BookingPendingPayment:
		b.Status = BookingConfirmed
		b.PaymentID = &paymentID
		b.ConfirmedAt = &now
		return true, nil
	case BookingConfirmed:
		if b.PaymentID != nil && *b.PaymentID == paymentID {
			return false, nil
		}
		return false, errors.Wrapf(ErrInvalidState, "booking %s already confirmed by another payment", b.ID)
	default:
		return false, errors.Wrapf(ErrInvalidState, "booking %s is %s", b.ID, b.Status)
	}
}

// Cancel marks the booking CANCELLED and reports the status it had before.
// Cancelling an already terminal booking is a no-op.
func (b *Booking) Cancel(reason string, now time.Time) (prev BookingStatus, changed bool) {
	prev = b.Status
	if b.Status.IsTerminal() {
		return prev, false
	}
	b.Status = BookingCancelled
	b.CancelReason = reason
	b.CancelledAt = &now
	return prev, true
}

// Expire moves a pending booking whose hold deadline has passed to EXPIRED.
func (b *Booking) Expire(now time.Time) bool {
	if b.Status != BookingPendingPayment || now.Before(b.HoldExpiresAt) {
		return false
	}
	b.Status = BookingExpired
	b.CancelReason = "hold_expired"
	b.CancelledAt = &now
	return true
}

// NewBookingCode returns a short upper-case code suitable for a ticket QR.
func NewBookingCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "BK" + strings.ToUpper(raw[:8])
}

// ValidateSeatCount checks the per-booking seat bounds and rejects duplicates.
func ValidateSeatCount(seatIDs []uuid.UUID) error {
	if len(seatIDs) < MinSeatsPerBooking || len(seatIDs) > MaxSeatsPerBooking {
		return errors.Wrapf(ErrInvalidQuantity, "a booking holds %d to %d seats, got %d",
			MinSeatsPerBooking, MaxSeatsPerBooking, len(seatIDs))
	}
	seen := make(map[uuid.UUID]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		if _, dup := seen[id]; dup {
			return errors.Wrapf(ErrInvalidQuantity, "seat %s requested twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
