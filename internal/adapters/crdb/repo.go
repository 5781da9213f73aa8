// Package crdb implements the store ports on CockroachDB through pgx.
package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"

	maxTxAttempts = 5
)

var tracer = otel.Tracer("crdb")

type Repository struct {
	pool *pgxpool.Pool
}

var _ store.UnitOfWork = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pool and checks the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open crdb pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping crdb")
	}
	return pool, nil
}

// WithTx runs fn in a SERIALIZABLE transaction. Serialization failures are
// retried with a short backoff; when retries run out the caller gets
// domain.ErrSerializationFailure.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := tracer.Start(ctx, "crdb.WithTx")
	defer span.End()

	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			break
		}
		span.SetAttributes(attribute.Int("db.tx.attempt", attempt))
		if attempt == maxTxAttempts {
			err = errors.Wrapf(domain.ErrSerializationFailure, "gave up after %d attempts: %v", attempt, err)
			break
		}
		observability.DBTxRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	if err != nil && !domain.IsSuccess(err) {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgtx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)

	if err := fn(ctx, &tx{tx: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}

// tx implements store.Tx over a single pgx transaction.
type tx struct {
	tx pgx.Tx
}

var _ store.Tx = (*tx)(nil)

func (t *tx) InsertOutbox(ctx context.Context, ev domain.Event) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
	`, ev.ID, ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, ev.CreatedAt)
	return err
}
