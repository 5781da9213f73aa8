package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertarktes/cinema-booking-engine/internal/app"
	"github.com/robertarktes/cinema-booking-engine/internal/config"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
)

// reconcileAfter is how long a payment may stay PROCESSING before the worker
// asks the gateway about it.
const reconcileAfter = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "cinema-expiry-worker")
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

	worker := &ExpiryWorker{app: a, batch: cfg.SweepBatch, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.SweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

type ExpiryWorker struct {
	app    *app.App
	batch  int
	logger observability.Logger
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs every periodic job once. A failing job is logged and does not
// stop the others.
func (w *ExpiryWorker) sweep(ctx context.Context) {
	jobs := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"bookings", func(ctx context.Context) (int, error) { return w.app.Bookings.ExpireSweep(ctx, w.batch) }},
		{"orders", func(ctx context.Context) (int, error) { return w.app.Carts.ExpireSweep(ctx, w.batch) }},
		{"holds", func(ctx context.Context) (int, error) { return w.app.Ledger.SweepExpiredHolds(ctx, w.batch) }},
		{"payments", func(ctx context.Context) (int, error) {
			return w.app.Payments.ReconcileStale(ctx, reconcileAfter, w.batch)
		}},
	}
	for _, job := range jobs {
		n, err := job.run(ctx)
		log := w.logger.WithField("job", job.name)
		if err != nil {
			log.WithError(err).Error("sweep failed")
			continue
		}
		if n > 0 {
			log.WithField("count", n).Info("sweep done")
		}
	}
}
