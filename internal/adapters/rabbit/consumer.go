package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
)

const (
	PaymentResultsQueue = "cinema.payment-results"
	DeadLetterExchange  = "cinema.dead-letter"
)

// ErrDrop tells the consumer to reject a delivery without requeueing it. The
// broker moves it to the queue's dead-letter queue.
var ErrDrop = errors.New("drop delivery")

type Handler func(ctx context.Context, body []byte) error

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

// NewConsumer declares queue with a dead-letter queue named queue+".dead",
// binds it to the payments exchange for every routing key matching binding
// and limits unacked deliveries to prefetch.
func NewConsumer(conn *amqp.Connection, queue, binding string, prefetch int, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(PaymentsExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	dead := queue + ".dead"
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := ch.QueueBind(dead, dead, DeadLetterExchange, false, nil); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": dead,
	}); err != nil {
		return nil, err
	}
	if err := ch.QueueBind(queue, binding, PaymentsExchange, false, nil); err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

// Run hands every delivery to handle until ctx ends or the channel closes.
// A nil error acks, ErrDrop rejects, anything else requeues.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	log := c.logger.WithField("message_id", d.MessageId).WithField("routing_key", d.RoutingKey)
	err := handle(ctx, d.Body)
	switch {
	case err == nil:
		if aerr := d.Ack(false); aerr != nil {
			log.WithError(aerr).Error("ack failed")
		}
	case errors.Is(err, ErrDrop):
		log.WithError(err).Warn("dropping delivery")
		if nerr := d.Nack(false, false); nerr != nil {
			log.WithError(nerr).Error("nack failed")
		}
	default:
		log.WithError(err).Error("handler failed, requeueing")
		if nerr := d.Nack(false, true); nerr != nil {
			log.WithError(nerr).Error("nack failed")
		}
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
