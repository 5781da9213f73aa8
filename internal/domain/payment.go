package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OwnerType string

const (
	OwnerBooking OwnerType = "BOOKING"
	OwnerOrder   OwnerType = "ORDER"
)

type PaymentStatus string

const (
	PaymentCreated    PaymentStatus = "CREATED"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentRefunded
}

// Failure reasons recorded by the system rather than the gateway.
const (
	FailureHoldExpired   = "hold_expired"
	FailureOwnerReleased = "owner_released"
)

type PaymentMethod string

const (
	MethodCard   PaymentMethod = "CARD"
	MethodUPI    PaymentMethod = "UPI"
	MethodWallet PaymentMethod = "WALLET"
)

// Payment references exactly one booking or one order.
type Payment struct {
	ID            uuid.UUID
	OwnerType     OwnerType
	OwnerID       uuid.UUID
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Method        PaymentMethod
	Status        PaymentStatus
	IntentID      string
	ClientSecret  string
	TransactionID string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExternalResult is what the gateway tells us about a payment attempt.
type ExternalResult struct {
	Succeeded     bool
	TransactionID string
	Reason        string
}

func (p *Payment) StartProcessing(intentID, clientSecret string, now time.Time) error {
	switch p.Status {
	case PaymentCreated:
		p.Status = PaymentProcessing
		p.IntentID = intentID
		p.ClientSecret = clientSecret
		p.UpdatedAt = now
		return nil
	case PaymentProcessing:
		return nil
	default:
		return errors.Wrapf(ErrAlreadyFinalized, "payment %s is %s", p.ID, p.Status)
	}
}

// Settle applies a gateway result. A payment that already reached a terminal
// status is left untouched and ErrAlreadyFinalized is returned.
func (p *Payment) Settle(res ExternalResult, now time.Time) error {
	if p.Status.IsTerminal() {
		return errors.Wrapf(ErrAlreadyFinalized, "payment %s is %s", p.ID, p.Status)
	}
	if res.Succeeded {
		p.Status = PaymentSucceeded
	} else {
		p.Status = PaymentFailed
		p.FailureReason = res.Reason
	}
	if res.TransactionID != "" {
		p.TransactionID = res.TransactionID
	}
	p.UpdatedAt = now
	return nil
}

// Abandon fails a payment that never reached the gateway. It reports false
// for any payment past CREATED.
func (p *Payment) Abandon(reason string, now time.Time) bool {
	if p.Status != PaymentCreated {
		return false
	}
	p.Status = PaymentFailed
	p.FailureReason = reason
	p.UpdatedAt = now
	return true
}

// CaptureAfterAbandon records a gateway success for a payment abandoned while
// its intent was being opened. The payment stays FAILED and NeedsRefund
// becomes true.
func (p *Payment) CaptureAfterAbandon(res ExternalResult, now time.Time) bool {
	if p.Status != PaymentFailed || p.FailureReason != FailureOwnerReleased || !res.Succeeded {
		return false
	}
	p.FailureReason = FailureHoldExpired
	p.TransactionID = res.TransactionID
	p.UpdatedAt = now
	return true
}

// NeedsRefund reports whether the gateway captured money for a payment that
// was recorded as FAILED because its owner had already been released.
func (p *Payment) NeedsRefund() bool {
	return p.Status == PaymentFailed && p.FailureReason == FailureHoldExpired
}

func (p *Payment) Refund(now time.Time) error {
	if p.Status != PaymentSucceeded && !p.NeedsRefund() {
		return errors.Wrapf(ErrInvalidState, "payment %s is %s and holds no captured money", p.ID, p.Status)
	}
	p.Status = PaymentRefunded
	p.UpdatedAt = now
	return nil
}
