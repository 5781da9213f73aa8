package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/cinema-booking-engine/internal/adapters/rabbit"
	"github.com/robertarktes/cinema-booking-engine/internal/app"
	"github.com/robertarktes/cinema-booking-engine/internal/config"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
)

const prefetch = 16

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "cinema-payment-listener")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(observability.LogOptions{Level: cfg.LogLevel, File: cfg.LogFile})

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close(context.Background())

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.PaymentResultsQueue, "payment.result.#", prefetch, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Run(ctx, handler(a.Payments, logger)); err != nil {
			logger.WithError(err).Error("consumer stopped")
			cancel()
		}
	}()
	logger.Info("Payment listener started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown payment listener")
}

// handler finalizes the payment named in a gateway notification. Messages
// that can never be applied are dropped to the dead-letter queue; anything
// else is retried.
func handler(coord *payment.Coordinator, logger observability.Logger) rabbit.Handler {
	return func(ctx context.Context, body []byte) error {
		n, err := payment.ParseNotification(body)
		if err != nil {
			return errors.Mark(err, rabbit.ErrDrop)
		}
		p, err := coord.Apply(ctx, n)
		switch {
		case err == nil, errors.Is(err, domain.ErrPaymentFailed):
			logger.WithField("payment_id", p.ID).WithField("status", p.Status).Info("payment notification applied")
			return nil
		case errors.Is(err, domain.ErrTransactionNotFound), errors.Is(err, domain.ErrNotFound),
			errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrForbidden):
			return errors.Mark(err, rabbit.ErrDrop)
		}
		return err
	}
}
