package main

import (
	"context"
	"crypto/rsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/cinema-booking-engine/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
	"github.com/robertarktes/cinema-booking-engine/internal/app"
	"github.com/robertarktes/cinema-booking-engine/internal/config"
	httphandler "github.com/robertarktes/cinema-booking-engine/internal/http"
	"github.com/robertarktes/cinema-booking-engine/internal/idempotency"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/rateLimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "cinema-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger(observability.LogOptions{Level: cfg.LogLevel, File: cfg.LogFile})

	jwtKey, err := loadPublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("failed to load JWT public key: %v", err)
	}

	if err := crdb.Migrate(cfg.CRDBDSN); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close(context.Background())

	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(a.Redis), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(a.Cache)

	handlers := httphandler.NewHandlers(a.Ledger, a.Bookings, a.Carts, a.Payments, cfg.PaymentWebhookSecret, a.Ping)
	if cfg.PaymentWebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is not set, payment webhook disabled")
	}

	r := httphandler.SetupRouter(handlers, logger, rl, idemp, httphandler.RouterConfig{
		JWTKey:        jwtKey,
		RateLimitUser: cfg.RateLimitUser,
		RateLimitIP:   cfg.RateLimitIP,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}

// loadPublicKey accepts either the PEM text or a path to a PEM file.
func loadPublicKey(v string) (*rsa.PublicKey, error) {
	pem := []byte(v)
	if !strings.Contains(v, "BEGIN") {
		b, err := os.ReadFile(v)
		if err != nil {
			return nil, err
		}
		pem = b
	}
	return jwt.ParseRSAPublicKeyFromPEM(pem)
}
