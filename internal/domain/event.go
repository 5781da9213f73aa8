package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventBookingReserved   = "booking.reserved"
	EventBookingConfirmed  = "booking.confirmed"
	EventBookingCancelled  = "booking.cancelled"
	EventBookingExpired    = "booking.expired"
	EventOrderCreated      = "order.created"
	EventOrderPaid         = "order.paid"
	EventOrderCancelled    = "order.cancelled"
	EventOrderExpired      = "order.expired"
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
	EventPaymentRefunded   = "payment.refunded"
	EventRefundRequired    = "payment.refund_required"
	EventSeatHoldsReleased = "seats.released"
)

// Event is a row of the transactional outbox.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Type          string
	Payload       []byte
	CreatedAt     time.Time
}

func NewEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload any, now time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       body,
		CreatedAt:     now,
	}, nil
}
