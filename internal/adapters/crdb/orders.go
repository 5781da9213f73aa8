package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
)

func (t *tx) GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	var c domain.Cart
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, lines, version, created_at, updated_at FROM carts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&c.UserID, &c.Lines, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "cart of user %s", userID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *tx) SaveCart(ctx context.Context, c *domain.Cart) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO carts (user_id, lines, version, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET lines = excluded.lines, updated_at = excluded.updated_at, version = carts.version + 1
		RETURNING version
	`, c.UserID, nonNil(c.Lines), c.CreatedAt, c.UpdatedAt).Scan(&c.Version)
	return err
}

const orderColumns = `id, user_id, status, lines, total_amount, payment_id, expires_at, created_at, paid_at`

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, o.ID, o.UserID, string(o.Status), nonNil(o.Lines), o.TotalAmount, o.PaymentID, o.ExpiresAt, o.CreatedAt, o.PaidAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "order %s already exists", o.ID)
	}
	return err
}

func (t *tx) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "order %s", id)
	}
	return o, err
}

func (t *tx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = $2, payment_id = $3, paid_at = $4 WHERE id = $1
	`, o.ID, string(o.Status), o.PaymentID, o.PaidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrTransactionNotFound, "order %s", o.ID)
	}
	return nil
}

func (t *tx) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		o, err := scanOrder(row)
		if err != nil {
			return domain.Order{}, err
		}
		return *o, nil
	})
}

func (t *tx) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'PENDING_PAYMENT' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.Lines, &o.TotalAmount, &o.PaymentID, &o.ExpiresAt, &o.CreatedAt, &o.PaidAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
