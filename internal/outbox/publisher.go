// Package outbox relays events written in the same transaction as the state
// change they describe to the message broker and the audit log.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
)

type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]domain.Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Auditor interface {
	Record(ctx context.Context, ev domain.Event) error
}

type Publisher struct {
	source   Source
	broker   Broker
	audit    Auditor
	logger   observability.Logger
	batch    int
	interval time.Duration
	now      func() time.Time
}

// NewPublisher builds a relay. audit may be nil.
func NewPublisher(source Source, broker Broker, audit Auditor, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	return &Publisher{
		source:   source,
		broker:   broker,
		audit:    audit,
		logger:   logger,
		batch:    batch,
		interval: interval,
		now:      time.Now,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("outbox relay failed")
			}
		}
	}
}

// RunOnce relays one batch in creation order and reports how many events were
// published. It stops at the first event the broker refuses so that order is
// kept; that event is retried on the next run.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	events, err := p.source.FetchUnpublished(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(events[0].CreatedAt).Seconds())

	published := 0
	for _, ev := range events {
		msg := amqp.Publishing{
			MessageId:    ev.ID.String(),
			Type:         ev.Type,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.CreatedAt,
			Headers: amqp.Table{
				"aggregate_type": ev.AggregateType,
				"aggregate_id":   ev.AggregateID.String(),
			},
			Body: ev.Payload,
		}
		if err := p.broker.Publish(ctx, ev.Type, msg); err != nil {
			return published, err
		}
		if p.audit != nil {
			if err := p.audit.Record(ctx, ev); err != nil {
				p.logger.WithError(err).WithField("event_id", ev.ID).Warn("audit log write failed")
			}
		}
		if err := p.source.MarkPublished(ctx, ev.ID, p.now()); err != nil {
			return published, err
		}
		published++
	}
	p.logger.WithField("count", published).Debug("outbox events relayed")
	return published, nil
}
