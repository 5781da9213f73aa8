package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrDuplicateCode        = errors.New("duplicate booking code")

	ErrSeatUnavailable       = errors.New("seat unavailable")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrPaymentAmountMismatch = errors.New("payment amount mismatch")
	ErrPaymentFailed         = errors.New("payment failed")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrAlreadyFinalized      = errors.New("already finalized")

	ErrInvalidState       = errors.New("invalid state transition")
	ErrEmptyCart          = errors.Wrap(ErrInvalidQuantity, "cart is empty")
	ErrCancelWindowClosed = errors.Wrap(ErrInvalidState, "cancellation window closed")
	ErrForbidden          = errors.New("forbidden")
)

// IsSuccess reports whether err should be treated as a successful outcome.
// Duplicate finalization from a redelivered notification is not a failure.
func IsSuccess(err error) bool {
	return err == nil || errors.Is(err, ErrAlreadyFinalized)
}
