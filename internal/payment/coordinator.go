// Package payment ties a payment to exactly one booking or order and
// reconciles the gateway's verdict back into inventory.
package payment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
	"github.com/shopspring/decimal"
)

const (
	aggregateType = "payment"

	ReasonHoldExpired   = domain.FailureHoldExpired
	ReasonPaymentFailed = "payment_failed"
)

// Bookings is the part of the booking orchestrator the coordinator drives.
type Bookings interface {
	ConfirmTx(ctx context.Context, tx store.Tx, bookingID, paymentID uuid.UUID) (*domain.Booking, error)
	ReleaseTx(ctx context.Context, tx store.Tx, bookingID uuid.UUID, reason string) (*domain.Booking, error)
	RefundTx(ctx context.Context, tx store.Tx, bookingID uuid.UUID) (*domain.Booking, error)
	RefundAllowed(ctx context.Context, bookingID uuid.UUID) error
	Invalidate(ctx context.Context, showtimeID uuid.UUID)
}

// Orders is the part of the order manager the coordinator drives.
type Orders interface {
	MarkPaidTx(ctx context.Context, tx store.Tx, orderID, paymentID uuid.UUID) (*domain.Order, error)
	ReleaseTx(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*domain.Order, error)
	RefundTx(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*domain.Order, error)
}

type CreateRequest struct {
	UserID    uuid.UUID
	OwnerType domain.OwnerType
	OwnerID   uuid.UUID
	Amount    decimal.Decimal
	Method    domain.PaymentMethod
}

type Coordinator struct {
	uow      store.UnitOfWork
	gateway  Gateway
	bookings Bookings
	orders   Orders
	logger   observability.Logger
	currency string
	now      func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(uow store.UnitOfWork, gateway Gateway, bookings Bookings, orders Orders, logger observability.Logger, currency string, opts ...Option) *Coordinator {
	c := &Coordinator{
		uow:      uow,
		gateway:  gateway,
		bookings: bookings,
		orders:   orders,
		logger:   logger,
		currency: currency,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// owner is the payable view of a booking or order.
type owner struct {
	userID   uuid.UUID
	pending  bool
	deadline time.Time
	total    decimal.Decimal
	showtime uuid.UUID
}

func loadOwner(ctx context.Context, tx store.Tx, ownerType domain.OwnerType, id uuid.UUID) (owner, error) {
	switch ownerType {
	case domain.OwnerBooking:
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return owner{}, err
		}
		return owner{
			userID:   b.UserID,
			pending:  b.Status == domain.BookingPendingPayment,
			deadline: b.HoldExpiresAt,
			total:    b.TotalAmount,
			showtime: b.ShowtimeID,
		}, nil
	case domain.OwnerOrder:
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return owner{}, err
		}
		return owner{
			userID:   o.UserID,
			pending:  o.Status == domain.OrderPendingPayment,
			deadline: o.ExpiresAt,
			total:    o.TotalAmount,
		}, nil
	default:
		return owner{}, errors.Wrapf(domain.ErrInvalidInput, "unknown owner type %q", ownerType)
	}
}

// Create records a payment for a pending booking or order. The amount must
// equal the total computed when the owner was created. An owner that already
// has an open payment gets that payment back.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*domain.Payment, error) {
	if req.Method == "" {
		req.Method = domain.MethodCard
	}
	switch req.Method {
	case domain.MethodCard, domain.MethodUPI, domain.MethodWallet:
	default:
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown payment method %q", req.Method)
	}

	var p *domain.Payment
	err := c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		o, err := loadOwner(ctx, tx, req.OwnerType, req.OwnerID)
		if err != nil {
			return err
		}
		if o.userID != req.UserID {
			return errors.Wrapf(domain.ErrForbidden, "%s %s", req.OwnerType, req.OwnerID)
		}
		if !o.pending || !now.Before(o.deadline) {
			return errors.Wrapf(domain.ErrInvalidState, "%s %s is not awaiting payment", req.OwnerType, req.OwnerID)
		}
		if !req.Amount.Equal(o.total) {
			return errors.Wrapf(domain.ErrPaymentAmountMismatch, "amount %s does not match total %s", req.Amount.StringFixed(2), o.total.StringFixed(2))
		}

		existing, err := tx.OpenPaymentForOwner(ctx, req.OwnerType, req.OwnerID)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		p = &domain.Payment{
			ID:        uuid.New(),
			OwnerType: req.OwnerType,
			OwnerID:   req.OwnerID,
			UserID:    req.UserID,
			Amount:    o.total,
			Currency:  c.currency,
			Method:    req.Method,
			Status:    domain.PaymentCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	c.logger.WithField("payment_id", p.ID).WithField("owner", req.OwnerType).WithField("owner_id", req.OwnerID).Info("payment created")
	return p, nil
}

// Initiate obtains a confirmation handle from the gateway and moves the
// payment to PROCESSING. The owner must still be awaiting payment, both
// before and after the gateway call, which happens outside any transaction.
func (c *Coordinator) Initiate(ctx context.Context, userID, paymentID uuid.UUID) (*domain.Payment, error) {
	var p *domain.Payment
	err := c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if p, err = tx.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		if p.UserID != userID {
			return errors.Wrapf(domain.ErrForbidden, "payment %s", paymentID)
		}
		if p.Status != domain.PaymentCreated {
			return nil
		}
		return checkPayable(ctx, tx, p, c.now())
	})
	if err != nil {
		return nil, err
	}
	switch {
	case p.Status == domain.PaymentProcessing:
		return p, nil
	case p.Status.IsTerminal():
		return p, errors.Wrapf(domain.ErrAlreadyFinalized, "payment %s is %s", p.ID, p.Status)
	}

	intent, err := c.gateway.CreateIntent(ctx, IntentRequest{PaymentID: p.ID, Amount: p.Amount, Currency: p.Currency, Method: p.Method})
	if err != nil {
		return nil, errors.Wrapf(err, "create intent for payment %s", p.ID)
	}

	err = c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		cur, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if cur.Status == domain.PaymentProcessing {
			p = cur
			return nil
		}
		if cur.Status == domain.PaymentCreated {
			if err := checkPayable(ctx, tx, cur, now); err != nil {
				return err
			}
		}
		if err := cur.StartProcessing(intent.ID, intent.ClientSecret, now); err != nil {
			p = cur
			return err
		}
		p = cur
		return tx.UpdatePayment(ctx, cur)
	})
	if errors.Is(err, domain.ErrAlreadyFinalized) {
		return p, err
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// checkPayable reports domain.ErrInvalidState when the owner of p was
// released or its deadline passed.
func checkPayable(ctx context.Context, tx store.Tx, p *domain.Payment, now time.Time) error {
	o, err := loadOwner(ctx, tx, p.OwnerType, p.OwnerID)
	if err != nil {
		return err
	}
	if !o.pending || !now.Before(o.deadline) {
		return errors.Wrapf(domain.ErrInvalidState, "%s %s is no longer awaiting payment", p.OwnerType, p.OwnerID)
	}
	return nil
}

// AbandonTx fails the CREATED payment of an owner released inside tx, so no
// intent is opened for inventory that is gone. A payment already at the
// gateway stays PROCESSING and its verdict goes through Finalize.
func AbandonTx(ctx context.Context, tx store.Tx, ownerType domain.OwnerType, ownerID uuid.UUID, now time.Time) error {
	p, err := tx.OpenPaymentForOwner(ctx, ownerType, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !p.Abandon(domain.FailureOwnerReleased, now) {
		return nil
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	return emit(ctx, tx, p, domain.EventPaymentFailed, now)
}

// Finalize applies the gateway's verdict. Success confirms the owner; failure
// releases the owner's inventory. A payment that already reached a terminal
// status is returned with domain.ErrAlreadyFinalized, which callers treat as
// success. A success that arrives after the owner's hold lapsed is recorded
// as FAILED, the inventory stays released and a refund is requested.
func (c *Coordinator) Finalize(ctx context.Context, paymentID uuid.UUID, res domain.ExternalResult) (*domain.Payment, error) {
	ctx, span := observability.StartSpan(ctx, "payment.Finalize")
	defer span.End()

	var (
		p        *domain.Payment
		showtime uuid.UUID
		late     bool
	)
	err := c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		var err error
		p, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		late = false
		if p.CaptureAfterAbandon(res, now) {
			late = true
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			return emit(ctx, tx, p, domain.EventRefundRequired, now)
		}
		if err := p.Settle(res, now); err != nil {
			return err
		}

		event, release := domain.EventPaymentSucceeded, ""
		if res.Succeeded {
			showtime, err = c.commitOwner(ctx, tx, p)
			switch {
			case errors.Is(err, domain.ErrInvalidState):
				late = true
				p.Status = domain.PaymentFailed
				p.FailureReason = ReasonHoldExpired
				event, release = domain.EventRefundRequired, ReasonHoldExpired
			case err != nil:
				return err
			}
		} else {
			event, release = domain.EventPaymentFailed, ReasonPaymentFailed
		}

		// Stored first so releasing the owner does not see it as open.
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if release != "" {
			if showtime, err = c.releaseOwner(ctx, tx, p, release); err != nil {
				return err
			}
		}
		return emit(ctx, tx, p, event, now)
	})
	if errors.Is(err, domain.ErrAlreadyFinalized) {
		return p, err
	}
	if err != nil {
		return nil, err
	}

	if showtime != uuid.Nil {
		c.bookings.Invalidate(ctx, showtime)
	}
	observability.PaymentsFinalized.WithLabelValues(string(p.OwnerType), string(p.Status)).Inc()
	log := c.logger.WithField("payment_id", p.ID).WithField("status", p.Status)
	switch {
	case late:
		log.Warn("payment succeeded after hold lapsed, refunding")
		if refunded, err := c.refundCaptured(ctx, p); err != nil {
			log.WithError(err).Error("refund of late payment failed, left for the sweep")
		} else {
			p = refunded
		}
		return p, errors.Wrapf(domain.ErrPaymentFailed, "payment %s arrived after the hold expired; inventory was released", p.ID)
	case p.Status == domain.PaymentFailed:
		log.WithField("reason", p.FailureReason).Warn("payment failed, inventory released")
		return p, errors.Wrapf(domain.ErrPaymentFailed, "payment %s declined: %s; inventory was released", p.ID, p.FailureReason)
	}
	log.Info("payment succeeded")
	return p, nil
}

func (c *Coordinator) commitOwner(ctx context.Context, tx store.Tx, p *domain.Payment) (uuid.UUID, error) {
	switch p.OwnerType {
	case domain.OwnerBooking:
		b, err := c.bookings.ConfirmTx(ctx, tx, p.OwnerID, p.ID)
		if err != nil {
			return uuid.Nil, err
		}
		return b.ShowtimeID, nil
	case domain.OwnerOrder:
		_, err := c.orders.MarkPaidTx(ctx, tx, p.OwnerID, p.ID)
		return uuid.Nil, err
	}
	return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "unknown owner type %q", p.OwnerType)
}

func (c *Coordinator) releaseOwner(ctx context.Context, tx store.Tx, p *domain.Payment, reason string) (uuid.UUID, error) {
	switch p.OwnerType {
	case domain.OwnerBooking:
		b, err := c.bookings.ReleaseTx(ctx, tx, p.OwnerID, reason)
		if err != nil {
			return uuid.Nil, err
		}
		return b.ShowtimeID, nil
	case domain.OwnerOrder:
		_, err := c.orders.ReleaseTx(ctx, tx, p.OwnerID)
		return uuid.Nil, err
	}
	return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "unknown owner type %q", p.OwnerType)
}

// Refund returns a succeeded payment to the customer, cancels the owner and
// puts its seats or stock back on sale.
func (c *Coordinator) Refund(ctx context.Context, userID, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := c.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, errors.Wrapf(domain.ErrForbidden, "payment %s", paymentID)
	}
	switch {
	case p.Status == domain.PaymentRefunded:
		return p, nil
	case p.NeedsRefund():
		return c.refundCaptured(ctx, p)
	case p.Status != domain.PaymentSucceeded:
		return nil, errors.Wrapf(domain.ErrInvalidState, "payment %s is %s", p.ID, p.Status)
	}
	if p.OwnerType == domain.OwnerBooking {
		if err := c.bookings.RefundAllowed(ctx, p.OwnerID); err != nil {
			return nil, err
		}
	}

	if err := c.gateway.Refund(ctx, p.TransactionID, p.Amount); err != nil {
		return nil, errors.Wrapf(err, "refund payment %s", p.ID)
	}

	var showtime uuid.UUID
	err = c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		cur, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if cur.Status == domain.PaymentRefunded {
			p = cur
			return nil
		}
		if err := cur.Refund(now); err != nil {
			return err
		}
		switch cur.OwnerType {
		case domain.OwnerBooking:
			b, err := c.bookings.RefundTx(ctx, tx, cur.OwnerID)
			if err != nil {
				return err
			}
			showtime = b.ShowtimeID
		case domain.OwnerOrder:
			if _, err := c.orders.RefundTx(ctx, tx, cur.OwnerID); err != nil {
				return err
			}
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		p = cur
		return emit(ctx, tx, cur, domain.EventPaymentRefunded, now)
	})
	if err != nil {
		return nil, err
	}
	if showtime != uuid.Nil {
		c.bookings.Invalidate(ctx, showtime)
	}
	observability.PaymentsFinalized.WithLabelValues(string(p.OwnerType), string(p.Status)).Inc()
	c.logger.WithField("payment_id", p.ID).Info("payment refunded")
	return p, nil
}

// refundCaptured returns money the gateway captured for a payment whose
// owner had already been released. The owner is left as it is.
func (c *Coordinator) refundCaptured(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	if err := c.gateway.Refund(ctx, p.TransactionID, p.Amount); err != nil {
		return nil, errors.Wrapf(err, "refund payment %s", p.ID)
	}
	err := c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		cur, err := tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		p = cur
		if !cur.NeedsRefund() {
			return nil
		}
		if err := cur.Refund(now); err != nil {
			return err
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		return emit(ctx, tx, cur, domain.EventPaymentRefunded, now)
	})
	if err != nil {
		return nil, err
	}
	observability.PaymentsFinalized.WithLabelValues(string(p.OwnerType), string(p.Status)).Inc()
	c.logger.WithField("payment_id", p.ID).WithField("amount", p.Amount.StringFixed(2)).Info("late payment refunded")
	return p, nil
}

// Reconcile asks the gateway about a PROCESSING payment and finalizes it
// when the gateway has decided.
func (c *Coordinator) Reconcile(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := c.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return p, errors.Wrapf(domain.ErrAlreadyFinalized, "payment %s is %s", p.ID, p.Status)
	}
	if p.Status != domain.PaymentProcessing || p.ClientSecret == "" {
		return p, nil
	}

	res, err := c.gateway.Confirm(ctx, p.ClientSecret)
	if errors.Is(err, ErrPending) {
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "confirm payment %s", p.ID)
	}
	return c.Finalize(ctx, p.ID, res)
}

// ReconcileStale reconciles PROCESSING payments not updated for olderThan
// and retries refunds of late payments. It reports how many payments reached
// a terminal status.
func (c *Coordinator) ReconcileStale(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	var ids, refunds []uuid.UUID
	err := c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if ids, err = tx.StalePayments(ctx, domain.PaymentProcessing, c.now().Add(-olderThan), batch); err != nil {
			return err
		}
		refunds, err = tx.FailedPayments(ctx, ReasonHoldExpired, batch)
		return err
	})
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, id := range ids {
		p, err := c.Reconcile(ctx, id)
		if err != nil && !domain.IsSuccess(err) && !errors.Is(err, domain.ErrPaymentFailed) {
			c.logger.WithError(err).WithField("payment_id", id).Error("payment reconciliation failed")
			continue
		}
		if p != nil && p.Status.IsTerminal() {
			settled++
		}
	}
	for _, id := range refunds {
		p, err := c.get(ctx, id)
		if err == nil {
			_, err = c.refundCaptured(ctx, p)
		}
		if err != nil {
			c.logger.WithError(err).WithField("payment_id", id).Error("refund of late payment failed")
			continue
		}
		settled++
	}
	return settled, nil
}

func (c *Coordinator) Get(ctx context.Context, userID, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := c.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, errors.Wrapf(domain.ErrForbidden, "payment %s", paymentID)
	}
	return p, nil
}

func (c *Coordinator) get(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	var p *domain.Payment
	err := c.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetPayment(ctx, paymentID)
		return err
	})
	return p, err
}

func emit(ctx context.Context, tx store.Tx, p *domain.Payment, eventType string, now time.Time) error {
	ev, err := domain.NewEvent(aggregateType, p.ID, eventType, map[string]interface{}{
		"payment_id":     p.ID,
		"owner_type":     p.OwnerType,
		"owner_id":       p.OwnerID,
		"user_id":        p.UserID,
		"amount":         p.Amount.StringFixed(2),
		"currency":       p.Currency,
		"status":         p.Status,
		"transaction_id": p.TransactionID,
		"reason":         p.FailureReason,
	}, now)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, ev)
}
