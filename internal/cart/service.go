// Package cart manages the per-user merchandise cart and turns it into an
// order at checkout.
package cart

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
	"github.com/shopspring/decimal"
)

const (
	aggregateType     = "order"
	checkoutAttempts  = 3
	maxQuantityPerSKU = 20
)

type Service struct {
	uow      store.UnitOfWork
	calc     *pricing.Calculator
	logger   observability.Logger
	orderTTL time.Duration
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(uow store.UnitOfWork, catalog pricing.Catalog, logger observability.Logger, orderTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		uow:      uow,
		calc:     pricing.NewCalculator(catalog),
		logger:   logger,
		orderTTL: orderTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the user's cart. A user without a cart gets an empty one that
// is not stored until the first mutation.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	var c *domain.Cart
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = loadCart(ctx, tx, userID, s.now())
		return err
	})
	return c, err
}

// AddItem merges qty units of sku into the cart. Stock is not touched.
func (s *Service) AddItem(ctx context.Context, userID uuid.UUID, sku string, qty int) (*domain.Cart, error) {
	if qty < 1 {
		return nil, errors.Wrapf(domain.ErrInvalidQuantity, "quantity must be at least 1, got %d", qty)
	}
	if err := s.checkSellable(ctx, sku); err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, func(c *domain.Cart, now time.Time) error {
		if err := c.Add(sku, qty, now); err != nil {
			return err
		}
		return checkLimit(c, sku)
	})
}

// UpdateItem sets the quantity of a line. Zero or less removes it.
func (s *Service) UpdateItem(ctx context.Context, userID uuid.UUID, sku string, qty int) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(c *domain.Cart, now time.Time) error {
		if err := c.Set(sku, qty, now); err != nil {
			return err
		}
		return checkLimit(c, sku)
	})
}

func (s *Service) RemoveItem(ctx context.Context, userID uuid.UUID, sku string) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(c *domain.Cart, now time.Time) error {
		c.Remove(sku, now)
		return nil
	})
}

func (s *Service) Clear(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(c *domain.Cart, now time.Time) error {
		c.Clear(now)
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, userID uuid.UUID, fn func(c *domain.Cart, now time.Time) error) (*domain.Cart, error) {
	var c *domain.Cart
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now()
		var err error
		c, err = loadCart(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if err := fn(c, now); err != nil {
			return err
		}
		return tx.SaveCart(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Checkout converts the cart into a PENDING_PAYMENT order. Prices are
// resolved from the catalog, then stock for every line is taken in one
// transaction together with the order insert and the cart clear. If the cart
// changed in between, pricing is redone.
func (s *Service) Checkout(ctx context.Context, userID uuid.UUID) (*domain.Order, error) {
	for attempt := 0; attempt < checkoutAttempts; attempt++ {
		c, err := s.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if c.IsEmpty() {
			observability.Checkouts.WithLabelValues("empty").Inc()
			return nil, domain.ErrEmptyCart
		}

		lines, total, err := s.calc.PriceMerchandise(ctx, pricing.CartRequests(c.Lines))
		if err != nil {
			return nil, err
		}

		order, err := s.commitCheckout(ctx, c, lines, total)
		if errors.Is(err, errCartChanged) {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				observability.Checkouts.WithLabelValues("insufficient_stock").Inc()
			}
			return nil, err
		}
		observability.Checkouts.WithLabelValues("ok").Inc()
		s.logger.WithField("order_id", order.ID).WithField("user_id", userID).WithField("total", order.TotalAmount.StringFixed(2)).Info("order created")
		return order, nil
	}
	return nil, errors.Wrapf(domain.ErrConflict, "cart of user %s kept changing during checkout", userID)
}

var errCartChanged = errors.New("cart changed during checkout")

func (s *Service) commitCheckout(ctx context.Context, priced *domain.Cart, lines []domain.LineItem, total decimal.Decimal) (*domain.Order, error) {
	var order *domain.Order
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now()
		c, err := tx.GetCart(ctx, priced.UserID)
		if err != nil {
			return err
		}
		if c.Version != priced.Version {
			return errCartChanged
		}
		if c.IsEmpty() {
			return domain.ErrEmptyCart
		}

		if err := inventory.TakeStock(ctx, tx, inventory.Quantities(lines)); err != nil {
			return err
		}

		order = &domain.Order{
			ID:          uuid.New(),
			UserID:      c.UserID,
			Status:      domain.OrderPendingPayment,
			Lines:       lines,
			TotalAmount: total,
			ExpiresAt:   now.Add(s.orderTTL),
			CreatedAt:   now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		c.Clear(now)
		if err := tx.SaveCart(ctx, c); err != nil {
			return err
		}
		return s.emit(ctx, tx, order, domain.EventOrderCreated, now)
	})
	return order, err
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	var o *domain.Order
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, errors.Wrapf(domain.ErrForbidden, "order %s", orderID)
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	var out []domain.Order
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListOrdersByUser(ctx, userID)
		return err
	})
	return out, err
}

// MarkPaidTx moves a pending order to PAID inside tx. An order whose payment
// deadline passed is reported as domain.ErrInvalidState without any write.
func (s *Service) MarkPaidTx(ctx context.Context, tx store.Tx, orderID, paymentID uuid.UUID) (*domain.Order, error) {
	now := s.now()
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == domain.OrderPendingPayment && !now.Before(o.ExpiresAt) {
		return nil, errors.Wrapf(domain.ErrInvalidState, "order %s expired at %s", o.ID, o.ExpiresAt.Format(time.RFC3339))
	}
	changed, err := o.MarkPaid(paymentID, now)
	if err != nil || !changed {
		return o, err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, s.emit(ctx, tx, o, domain.EventOrderPaid, now)
}

// ReleaseTx closes a pending order and returns its stock. Orders past their
// deadline become EXPIRED, others CANCELLED. Orders in any other status are
// returned unchanged.
func (s *Service) ReleaseTx(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*domain.Order, error) {
	now := s.now()
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderPendingPayment {
		return o, nil
	}
	status, event := domain.OrderCancelled, domain.EventOrderCancelled
	if !now.Before(o.ExpiresAt) {
		status, event = domain.OrderExpired, domain.EventOrderExpired
	}
	if err := s.close(ctx, tx, o, status, event, now); err != nil {
		return nil, err
	}
	return o, payment.AbandonTx(ctx, tx, domain.OwnerOrder, o.ID, now)
}

// RefundTx cancels a paid order and returns its stock.
func (s *Service) RefundTx(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*domain.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderPaid {
		return nil, errors.Wrapf(domain.ErrInvalidState, "order %s is %s", o.ID, o.Status)
	}
	return o, s.close(ctx, tx, o, domain.OrderCancelled, domain.EventOrderCancelled, s.now())
}

func (s *Service) close(ctx context.Context, tx store.Tx, o *domain.Order, status domain.OrderStatus, event string, now time.Time) error {
	if !o.Close(status) {
		return nil
	}
	if err := inventory.ReturnStock(ctx, tx, inventory.Quantities(o.Lines)); err != nil {
		return err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	s.logger.WithField("order_id", o.ID).WithField("status", o.Status).Warn("order closed, stock returned")
	return s.emit(ctx, tx, o, event, now)
}

// ExpireSweep expires unpaid orders past their deadline.
func (s *Service) ExpireSweep(ctx context.Context, batch int) (int, error) {
	var ids []uuid.UUID
	err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.ExpiredOrders(ctx, s.now(), batch)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		var o *domain.Order
		err := s.uow.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			o, err = s.ReleaseTx(ctx, tx, id)
			return err
		})
		if err != nil {
			s.logger.WithError(err).WithField("order_id", id).Error("failed to expire order")
			continue
		}
		if o.Status == domain.OrderExpired {
			expired++
		}
	}
	observability.ExpiredTotal.WithLabelValues(aggregateType).Add(float64(expired))
	return expired, nil
}

func (s *Service) checkSellable(ctx context.Context, sku string) error {
	_, _, err := s.calc.PriceMerchandise(ctx, []pricing.MerchRequest{{SKU: sku, Quantity: 1}})
	return err
}

func (s *Service) emit(ctx context.Context, tx store.Tx, o *domain.Order, eventType string, now time.Time) error {
	payload := map[string]interface{}{
		"order_id":     o.ID,
		"user_id":      o.UserID,
		"status":       o.Status,
		"total_amount": o.TotalAmount.StringFixed(2),
		"lines":        o.Lines,
	}
	if o.PaymentID != nil {
		payload["payment_id"] = *o.PaymentID
	}
	ev, err := domain.NewEvent(aggregateType, o.ID, eventType, payload, now)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, ev)
}

func loadCart(ctx context.Context, tx store.Tx, userID uuid.UUID, now time.Time) (*domain.Cart, error) {
	c, err := tx.GetCart(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewCart(userID, now), nil
	}
	return c, err
}

func checkLimit(c *domain.Cart, sku string) error {
	for _, l := range c.Lines {
		if l.SKU == sku && l.Quantity > maxQuantityPerSKU {
			return errors.Wrapf(domain.ErrInvalidQuantity, "at most %d of %s per cart", maxQuantityPerSKU, sku)
		}
	}
	return nil
}
