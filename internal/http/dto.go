package http

import (
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type foodDTO struct {
	ItemID   uuid.UUID `json:"item_id" validate:"required"`
	Quantity int       `json:"quantity" validate:"min=1"`
}

type merchDTO struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1"`
}

type createBookingRequest struct {
	ShowtimeID  uuid.UUID   `json:"showtime_id" validate:"required"`
	SeatIDs     []uuid.UUID `json:"seat_ids" validate:"required,min=1,max=10,dive,required"`
	Food        []foodDTO   `json:"food" validate:"dive"`
	Merchandise []merchDTO  `json:"merchandise" validate:"dive"`
}

type confirmBookingRequest struct {
	PaymentID uuid.UUID `json:"payment_id" validate:"required"`
}

type loadSeatsRequest struct {
	Rows        []string                    `json:"rows" validate:"required,min=1,dive,required"`
	SeatsPerRow int                         `json:"seats_per_row" validate:"min=1,max=100"`
	RowClasses  map[string]domain.SeatClass `json:"row_classes" validate:"dive,oneof=STANDARD PREMIUM VIP"`
}

type setStockRequest struct {
	Quantity int `json:"quantity" validate:"min=0"`
}

type addCartItemRequest struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity" validate:"min=0"`
}

type createPaymentRequest struct {
	OwnerType string          `json:"owner_type" validate:"required,oneof=BOOKING ORDER"`
	OwnerID   uuid.UUID       `json:"owner_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"omitempty,oneof=CARD UPI WALLET"`
}

type seatResponse struct {
	ID     uuid.UUID         `json:"id"`
	Label  string            `json:"label"`
	Row    string            `json:"row"`
	Column int               `json:"column"`
	Class  domain.SeatClass  `json:"class"`
	Status domain.SeatStatus `json:"status"`
}

func toSeats(seats []domain.Seat) []seatResponse {
	out := make([]seatResponse, len(seats))
	for i, s := range seats {
		out[i] = seatResponse{ID: s.ID, Label: s.Label(), Row: s.Row, Column: s.Column, Class: s.Class, Status: s.Status}
	}
	return out
}

type bookingResponse struct {
	ID            uuid.UUID            `json:"id"`
	Code          string               `json:"code"`
	ShowtimeID    uuid.UUID            `json:"showtime_id"`
	Status        domain.BookingStatus `json:"status"`
	HoldExpiresAt time.Time            `json:"hold_expires_at"`
	Seats         []domain.SeatLine    `json:"seats"`
	Food          []domain.LineItem    `json:"food"`
	Merchandise   []domain.LineItem    `json:"merchandise"`
	SeatTotal     decimal.Decimal      `json:"seat_total"`
	FoodTotal     decimal.Decimal      `json:"food_total"`
	MerchTotal    decimal.Decimal      `json:"merchandise_total"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	PaymentID     *uuid.UUID           `json:"payment_id,omitempty"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	ConfirmedAt   *time.Time           `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time           `json:"cancelled_at,omitempty"`
}

func toBooking(b *domain.Booking) bookingResponse {
	return bookingResponse{
		ID:            b.ID,
		Code:          b.Code,
		ShowtimeID:    b.ShowtimeID,
		Status:        b.Status,
		HoldExpiresAt: b.HoldExpiresAt,
		Seats:         b.Seats,
		Food:          b.Food,
		Merchandise:   b.Merchandise,
		SeatTotal:     b.SeatTotal,
		FoodTotal:     b.FoodTotal,
		MerchTotal:    b.MerchTotal,
		TotalAmount:   b.TotalAmount,
		PaymentID:     b.PaymentID,
		CancelReason:  b.CancelReason,
		CreatedAt:     b.CreatedAt,
		ConfirmedAt:   b.ConfirmedAt,
		CancelledAt:   b.CancelledAt,
	}
}

type cartResponse struct {
	Lines     []domain.CartLine `json:"lines"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toCart(c *domain.Cart) cartResponse {
	lines := c.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return cartResponse{Lines: lines, UpdatedAt: c.UpdatedAt}
}

type orderResponse struct {
	ID          uuid.UUID          `json:"id"`
	Status      domain.OrderStatus `json:"status"`
	Lines       []domain.LineItem  `json:"lines"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	PaymentID   *uuid.UUID         `json:"payment_id,omitempty"`
	ExpiresAt   time.Time          `json:"expires_at"`
	CreatedAt   time.Time          `json:"created_at"`
	PaidAt      *time.Time         `json:"paid_at,omitempty"`
}

func toOrder(o *domain.Order) orderResponse {
	return orderResponse{
		ID:          o.ID,
		Status:      o.Status,
		Lines:       o.Lines,
		TotalAmount: o.TotalAmount,
		PaymentID:   o.PaymentID,
		ExpiresAt:   o.ExpiresAt,
		CreatedAt:   o.CreatedAt,
		PaidAt:      o.PaidAt,
	}
}

type paymentResponse struct {
	ID            uuid.UUID            `json:"id"`
	OwnerType     domain.OwnerType     `json:"owner_type"`
	OwnerID       uuid.UUID            `json:"owner_id"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	Method        domain.PaymentMethod `json:"method"`
	Status        domain.PaymentStatus `json:"status"`
	ClientSecret  string               `json:"client_secret,omitempty"`
	TransactionID string               `json:"transaction_id,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func toPayment(p *domain.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		OwnerType:     p.OwnerType,
		OwnerID:       p.OwnerID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Method:        p.Method,
		Status:        p.Status,
		ClientSecret:  p.ClientSecret,
		TransactionID: p.TransactionID,
		FailureReason: p.FailureReason,
		UpdatedAt:     p.UpdatedAt,
	}
}
