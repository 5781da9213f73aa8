package payment

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
)

// Notification is the gateway's asynchronous verdict on a payment, delivered
// by webhook or through the payment results queue.
type Notification struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	FailureReason string    `json:"failure_reason"`
}

func (n Notification) Result() (domain.ExternalResult, error) {
	switch n.Status {
	case "succeeded":
		return domain.ExternalResult{Succeeded: true, TransactionID: n.TransactionID}, nil
	case "failed", "canceled":
		return domain.ExternalResult{TransactionID: n.TransactionID, Reason: n.FailureReason}, nil
	}
	return domain.ExternalResult{}, errors.Wrapf(domain.ErrInvalidInput, "unknown payment status %q", n.Status)
}

// ParseNotification decodes and checks a notification body.
func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return n, errors.Wrap(domain.ErrInvalidInput, err.Error())
	}
	if n.PaymentID == uuid.Nil {
		return n, errors.Wrap(domain.ErrInvalidInput, "payment_id is required")
	}
	if _, err := n.Result(); err != nil {
		return n, err
	}
	return n, nil
}

// Apply finalizes the payment named by n. Redelivery of a verdict that was
// already applied is not an error.
func (c *Coordinator) Apply(ctx context.Context, n Notification) (*domain.Payment, error) {
	res, err := n.Result()
	if err != nil {
		return nil, err
	}
	p, err := c.Finalize(ctx, n.PaymentID, res)
	if domain.IsSuccess(err) {
		return p, nil
	}
	return p, err
}
