package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
)

const signatureHeader = "X-Signature"

// Sign returns the value of the signature header for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, header string) bool {
	raw, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// PaymentWebhook applies a signed gateway notification. A success that
// arrived after the hold lapsed is still acknowledged: the payment is marked
// failed and a refund is queued.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, errors.Wrap(domain.ErrInvalidInput, err.Error()))
		return
	}
	if !validSignature(h.webhookSecret, body, r.Header.Get(signatureHeader)) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "bad signature"})
		return
	}
	n, err := payment.ParseNotification(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Apply(r.Context(), n)
	if err != nil && !errors.Is(err, domain.ErrPaymentFailed) {
		writeError(w, r, err)
		return
	}
	LoggerFrom(r.Context()).WithField("payment_id", p.ID).WithField("status", p.Status).Info("payment notification applied")
	writeJSON(w, http.StatusOK, toPayment(p))
}
