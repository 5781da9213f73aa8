package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/booking"
	"github.com/robertarktes/cinema-booking-engine/internal/cart"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
)

const maxBodyBytes = 1 << 20

// ReadyCheck reports whether the backing stores are reachable.
type ReadyCheck func(ctx context.Context) error

type Handlers struct {
	ledger        *inventory.Ledger
	bookings      *booking.Service
	carts         *cart.Service
	payments      *payment.Coordinator
	validate      *validator.Validate
	webhookSecret []byte
	ready         ReadyCheck
}

func NewHandlers(ledger *inventory.Ledger, bookings *booking.Service, carts *cart.Service, payments *payment.Coordinator, webhookSecret string, ready ReadyCheck) *Handlers {
	return &Handlers{
		ledger:        ledger,
		bookings:      bookings,
		carts:         carts,
		payments:      payments,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		webhookSecret: []byte(webhookSecret),
		ready:         ready,
	}
}

func (h *Handlers) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrapf(domain.ErrInvalidInput, "decode body: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return errors.Wrap(domain.ErrInvalidInput, err.Error())
	}
	return nil
}

func userID(r *http.Request) uuid.UUID {
	id, _ := IdentityFrom(r.Context())
	return id.UserID
}

func requireAdmin(r *http.Request) error {
	if id, ok := IdentityFrom(r.Context()); !ok || !id.Admin {
		return errors.Wrap(domain.ErrForbidden, "admin role required")
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "%s is not a valid id", name)
	}
	return id, nil
}

// Seats and stock

func (h *Handlers) SeatMap(w http.ResponseWriter, r *http.Request) {
	showtimeID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	seats, err := h.ledger.SeatMap(r.Context(), showtimeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"showtime_id": showtimeID, "seats": toSeats(seats)})
}

func (h *Handlers) LoadSeats(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	showtimeID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req loadSeatsRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	layout := domain.SeatLayout{Rows: req.Rows, SeatsPerRow: req.SeatsPerRow, RowClasses: req.RowClasses}
	seats, err := h.ledger.LoadSeats(r.Context(), showtimeID, layout)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"showtime_id": showtimeID, "seats": toSeats(seats)})
}

func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	qty, err := h.ledger.Stock(r.Context(), sku)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sku": sku, "quantity": qty})
}

func (h *Handlers) SetStock(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	sku := chi.URLParam(r, "sku")
	var req setStockRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.ledger.SetStock(r.Context(), sku, req.Quantity); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sku": sku, "quantity": req.Quantity})
}

// Bookings

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	breq := booking.CreateRequest{
		UserID:     userID(r),
		ShowtimeID: req.ShowtimeID,
		SeatIDs:    req.SeatIDs,
	}
	for _, f := range req.Food {
		breq.Food = append(breq.Food, pricing.FoodRequest{ItemID: f.ItemID, Quantity: f.Quantity})
	}
	for _, m := range req.Merchandise {
		breq.Merchandise = append(breq.Merchandise, pricing.MerchRequest{SKU: m.SKU, Quantity: m.Quantity})
	}
	b, err := h.bookings.Create(r.Context(), breq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBooking(b))
}

func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	list, err := h.bookings.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]bookingResponse, len(list))
	for i := range list {
		out[i] = toBooking(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": out})
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondBooking(w, r, http.StatusOK)(h.bookings.Get(r.Context(), userID(r), id))
}

func (h *Handlers) GetBookingByCode(w http.ResponseWriter, r *http.Request) {
	h.respondBooking(w, r, http.StatusOK)(h.bookings.GetByCode(r.Context(), userID(r), chi.URLParam(r, "code")))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondBooking(w, r, http.StatusOK)(h.bookings.Cancel(r.Context(), userID(r), id))
}

func (h *Handlers) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req confirmBookingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondBooking(w, r, http.StatusOK)(h.bookings.Confirm(r.Context(), userID(r), id, req.PaymentID))
}

func (h *Handlers) respondBooking(w http.ResponseWriter, r *http.Request, status int) func(*domain.Booking, error) {
	return func(b *domain.Booking, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, status, toBooking(b))
	}
}

// Cart and orders

func (h *Handlers) GetCart(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, r)(h.carts.Get(r.Context(), userID(r)))
}

func (h *Handlers) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCart(w, r)(h.carts.AddItem(r.Context(), userID(r), req.SKU, req.Quantity))
}

func (h *Handlers) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req updateCartItemRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCart(w, r)(h.carts.UpdateItem(r.Context(), userID(r), chi.URLParam(r, "sku"), req.Quantity))
}

func (h *Handlers) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, r)(h.carts.RemoveItem(r.Context(), userID(r), chi.URLParam(r, "sku")))
}

func (h *Handlers) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, r)(h.carts.Clear(r.Context(), userID(r)))
}

func (h *Handlers) respondCart(w http.ResponseWriter, r *http.Request) func(*domain.Cart, error) {
	return func(c *domain.Cart, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCart(c))
	}
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	o, err := h.carts.Checkout(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrder(o))
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.carts.ListOrders(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]orderResponse, len(list))
	for i := range list {
		out[i] = toOrder(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.carts.GetOrder(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

// Payments

func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Create(r.Context(), payment.CreateRequest{
		UserID:    userID(r),
		OwnerType: domain.OwnerType(req.OwnerType),
		OwnerID:   req.OwnerID,
		Amount:    req.Amount,
		Method:    domain.PaymentMethod(req.Method),
	})
	h.respondPayment(w, r, http.StatusCreated)(p, err)
}

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Initiate(r.Context(), userID(r), id)
	if p != nil && domain.IsSuccess(err) {
		err = nil
	}
	h.respondPayment(w, r, http.StatusOK)(p, err)
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondPayment(w, r, http.StatusOK)(h.payments.Get(r.Context(), userID(r), id))
}

func (h *Handlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondPayment(w, r, http.StatusOK)(h.payments.Refund(r.Context(), userID(r), id))
}

func (h *Handlers) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Reconcile(r.Context(), id)
	if domain.IsSuccess(err) {
		err = nil
	}
	h.respondPayment(w, r, http.StatusOK)(p, err)
}

func (h *Handlers) respondPayment(w http.ResponseWriter, r *http.Request, status int) func(*domain.Payment, error) {
	return func(p *domain.Payment, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, status, toPayment(p))
	}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			LoggerFrom(r.Context()).WithError(err).Warn("not ready")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
