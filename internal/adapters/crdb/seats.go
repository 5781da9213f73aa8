package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
)

const seatColumns = `id, showtime_id, row_label, seat_number, class, status, hold_token, booking_id, hold_expires_at, version`

func (t *tx) InsertSeats(ctx context.Context, seats []domain.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM seats WHERE showtime_id = $1)`, seats[0].ShowtimeID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(domain.ErrConflict, "showtime %s already has seats", seats[0].ShowtimeID)
	}

	rows := make([][]any, len(seats))
	for i, s := range seats {
		rows[i] = []any{s.ID, s.ShowtimeID, s.Row, s.Column, string(s.Class), string(s.Status), s.Version}
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"seats"},
		[]string{"id", "showtime_id", "row_label", "seat_number", "class", "status", "version"},
		pgx.CopyFromRows(rows),
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "seats of showtime %s", seats[0].ShowtimeID)
	}
	return err
}

func (t *tx) LockSeats(ctx context.Context, showtimeID uuid.UUID, seatIDs []uuid.UUID) ([]domain.Seat, error) {
	return t.querySeats(ctx, `
		SELECT `+seatColumns+` FROM seats
		WHERE showtime_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, showtimeID, seatIDs)
}

func (t *tx) LockSeatsByToken(ctx context.Context, token uuid.UUID) ([]domain.Seat, error) {
	return t.querySeats(ctx, `
		SELECT `+seatColumns+` FROM seats
		WHERE hold_token = $1
		ORDER BY row_label, seat_number
		FOR UPDATE
	`, token)
}

func (t *tx) LockSeatsByBooking(ctx context.Context, bookingID uuid.UUID) ([]domain.Seat, error) {
	return t.querySeats(ctx, `
		SELECT `+seatColumns+` FROM seats
		WHERE booking_id = $1
		ORDER BY row_label, seat_number
		FOR UPDATE
	`, bookingID)
}

func (t *tx) UpdateSeats(ctx context.Context, seats []domain.Seat) error {
	batch := &pgx.Batch{}
	for _, s := range seats {
		batch.Queue(`
			UPDATE seats
			SET status = $2, hold_token = $3, booking_id = $4, hold_expires_at = $5, version = version + 1
			WHERE id = $1
		`, s.ID, string(s.Status), s.HoldToken, s.BookingID, s.HoldExpiresAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for _, s := range seats {
		tag, err := br.Exec()
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrNotFound, "seat %s", s.ID)
		}
	}
	return br.Close()
}

func (t *tx) ListSeats(ctx context.Context, showtimeID uuid.UUID) ([]domain.Seat, error) {
	return t.querySeats(ctx, `
		SELECT `+seatColumns+` FROM seats
		WHERE showtime_id = $1
		ORDER BY row_label, seat_number
	`, showtimeID)
}

func (t *tx) ExpiredHoldTokens(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT hold_token FROM seats
		WHERE status = 'HELD' AND hold_token IS NOT NULL AND hold_expires_at <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *tx) querySeats(ctx context.Context, sql string, args ...any) ([]domain.Seat, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Seat, error) {
		var s domain.Seat
		err := row.Scan(&s.ID, &s.ShowtimeID, &s.Row, &s.Column, &s.Class, &s.Status, &s.HoldToken, &s.BookingID, &s.HoldExpiresAt, &s.Version)
		return s, err
	})
}

func (t *tx) LockStock(ctx context.Context, skus []string) (map[string]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT sku, quantity FROM stock
		WHERE sku = ANY($1)
		ORDER BY sku
		FOR UPDATE
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int, len(skus))
	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		out[sku] = qty
	}
	return out, rows.Err()
}

func (t *tx) SetStock(ctx context.Context, sku string, qty int) error {
	if qty < 0 {
		return errors.Wrapf(domain.ErrInsufficientStock, "stock of %s would become %d", sku, qty)
	}
	_, err := t.tx.Exec(ctx, `UPSERT INTO stock (sku, quantity) VALUES ($1, $2)`, sku, qty)
	return err
}
