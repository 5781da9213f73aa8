package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
)

const paymentColumns = `id, owner_type, owner_id, user_id, amount, currency, method, status,
	intent_id, client_secret, transaction_id, failure_reason, created_at, updated_at`

func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, string(p.OwnerType), p.OwnerID, p.UserID, p.Amount, p.Currency, string(p.Method), string(p.Status),
		p.IntentID, p.ClientSecret, p.TransactionID, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "payment %s already exists", p.ID)
	}
	return err
}

func (t *tx) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "payment %s", id)
	}
	return p, err
}

func (t *tx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $2, intent_id = $3, client_secret = $4, transaction_id = $5, failure_reason = $6, updated_at = $7
		WHERE id = $1
	`, p.ID, string(p.Status), p.IntentID, p.ClientSecret, p.TransactionID, p.FailureReason, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrTransactionNotFound, "payment %s", p.ID)
	}
	return nil
}

func (t *tx) OpenPaymentForOwner(ctx context.Context, ownerType domain.OwnerType, ownerID uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE owner_type = $1 AND owner_id = $2 AND status IN ('CREATED', 'PROCESSING')
		ORDER BY created_at DESC
		LIMIT 1
	`, string(ownerType), ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "open payment for %s %s", ownerType, ownerID)
	}
	return p, err
}

func (t *tx) StalePayments(ctx context.Context, status domain.PaymentStatus, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM payments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(status), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *tx) FailedPayments(ctx context.Context, reason string, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM payments
		WHERE status = 'FAILED' AND failure_reason = $1
		ORDER BY updated_at
		LIMIT $2
	`, reason, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.OwnerType, &p.OwnerID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Status,
		&p.IntentID, &p.ClientSecret, &p.TransactionID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
