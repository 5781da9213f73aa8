package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/idempotency"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrSeatUnavailable, http.StatusConflict, "seat_unavailable"},
	{domain.ErrInsufficientStock, http.StatusConflict, "insufficient_stock"},
	{domain.ErrAlreadyFinalized, http.StatusConflict, "already_finalized"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrSerializationFailure, http.StatusConflict, "retry"},
	{domain.ErrConflict, http.StatusConflict, "conflict"},
	{domain.ErrDuplicateCode, http.StatusConflict, "conflict"},
	{idempotency.ErrInProgress, http.StatusConflict, "request_in_progress"},
	{domain.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
	{domain.ErrInvalidQuantity, http.StatusUnprocessableEntity, "invalid_quantity"},
	{domain.ErrPaymentAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{domain.ErrInvalidInput, http.StatusUnprocessableEntity, "invalid_input"},
	{domain.ErrPaymentFailed, http.StatusPaymentRequired, "payment_failed"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
}

// statusFor maps an error from the services to an HTTP status and a stable
// machine-readable code. Order matters: ErrEmptyCart wraps ErrInvalidQuantity.
func statusFor(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		LoggerFrom(r.Context()).WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
