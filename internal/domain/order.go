package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderPaid           OrderStatus = "PAID"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderExpired        OrderStatus = "EXPIRED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderCancelled || s == OrderExpired
}

// Order is the snapshot of a completed checkout. Lines and total never change
// after creation; only the payment linkage and status move.
type Order struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Status      OrderStatus
	Lines       []LineItem
	TotalAmount decimal.Decimal
	PaymentID   *uuid.UUID
	ExpiresAt   time.Time
	CreatedAt   time.Time
	PaidAt      *time.Time
}

func (o *Order) MarkPaid(paymentID uuid.UUID, now time.Time) (bool, error) {
	switch o.Status {
	case OrderPendingPayment:
		o.Status = OrderPaid
		o.PaymentID = &paymentID
		o.PaidAt = &now
		return true, nil
	case OrderPaid:
		if o.PaymentID != nil && *o.PaymentID == paymentID {
			return false, nil
		}
		return false, errors.Wrapf(ErrInvalidState, "order %s already paid by another payment", o.ID)
	default:
		return false, errors.Wrapf(ErrInvalidState, "order %s is %s", o.ID, o.Status)
	}
}

// Close moves the order to a terminal status. It reports whether stock held
// by the order must be returned.
func (o *Order) Close(status OrderStatus) bool {
	if o.Status.IsTerminal() {
		return false
	}
	o.Status = status
	return true
}
