package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
)

const bookingColumns = `id, code, user_id, showtime_id, status, hold_token, hold_expires_at, seats, food, merchandise,
	seat_total, food_total, merch_total, total_amount, payment_id, cancel_reason, created_at, confirmed_at, cancelled_at`

// InsertBooking stores a new booking. A taken code yields
// domain.ErrDuplicateCode without aborting the transaction.
func (t *tx) InsertBooking(ctx context.Context, b *domain.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (code) DO NOTHING
	`, b.ID, b.Code, b.UserID, b.ShowtimeID, string(b.Status), b.HoldToken, b.HoldExpiresAt,
		nonNil(b.Seats), nonNil(b.Food), nonNil(b.Merchandise),
		b.SeatTotal, b.FoodTotal, b.MerchTotal, b.TotalAmount,
		b.PaymentID, b.CancelReason, b.CreatedAt, b.ConfirmedAt, b.CancelledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrConflict, "booking %s already exists", b.ID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateCode
	}
	return nil
}

func (t *tx) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := t.queryBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "booking %s", id)
	}
	return b, err
}

func (t *tx) GetBookingByCode(ctx context.Context, code string) (*domain.Booking, error) {
	b, err := t.queryBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE code = $1`, code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "booking code %s", code)
	}
	return b, err
}

func (t *tx) GetBookingByHoldToken(ctx context.Context, token uuid.UUID) (*domain.Booking, error) {
	b, err := t.queryBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE hold_token = $1`, token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "booking with hold %s", token)
	}
	return b, err
}

func (t *tx) UpdateBooking(ctx context.Context, b *domain.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2, payment_id = $3, cancel_reason = $4, confirmed_at = $5, cancelled_at = $6
		WHERE id = $1
	`, b.ID, string(b.Status), b.PaymentID, b.CancelReason, b.ConfirmedAt, b.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrTransactionNotFound, "booking %s", b.ID)
	}
	return nil
}

func (t *tx) ListBookingsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Booking, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Booking, error) {
		b, err := scanBooking(row)
		if err != nil {
			return domain.Booking{}, err
		}
		return *b, nil
	})
}

func (t *tx) ExpiredBookings(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM bookings
		WHERE status = 'PENDING_PAYMENT' AND hold_expires_at <= $1
		ORDER BY hold_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *tx) queryBooking(ctx context.Context, sql string, args ...any) (*domain.Booking, error) {
	return scanBooking(t.tx.QueryRow(ctx, sql, args...))
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.Code, &b.UserID, &b.ShowtimeID, &b.Status, &b.HoldToken, &b.HoldExpiresAt,
		&b.Seats, &b.Food, &b.Merchandise,
		&b.SeatTotal, &b.FoodTotal, &b.MerchTotal, &b.TotalAmount,
		&b.PaymentID, &b.CancelReason, &b.CreatedAt, &b.ConfirmedAt, &b.CancelledAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// nonNil keeps empty line lists as a JSON array rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
