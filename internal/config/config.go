package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTPublicKey string
	OTLPEndpoint string
	Environment  string
	HTTPAddr     string
	LogLevel     string
	LogFile      string

	HoldTTL        time.Duration
	OrderTTL       time.Duration
	CancelCutoff   time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	IdempotencyTTL time.Duration

	Currency             string
	GatewayURL           string
	GatewayAPIKey        string
	GatewayTimeout       time.Duration
	PaymentWebhookSecret string

	RateLimitUser int
	RateLimitIP   int

	TraceSampleRatio float64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CRDBDSN:              os.Getenv("CRDB_DSN"),
		MongoURI:             os.Getenv("MONGO_URI"),
		MongoDB:              envOr("MONGO_DB", "cinema"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RabbitURL:            os.Getenv("RABBIT_URL"),
		JWTPublicKey:         os.Getenv("JWT_PUBLIC_KEY"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:          envOr("APP_ENV", "development"),
		HTTPAddr:             envOr("HTTP_ADDR", ":8080"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFile:              os.Getenv("LOG_FILE"),
		Currency:             envOr("CURRENCY", "usd"),
		GatewayURL:           os.Getenv("GATEWAY_URL"),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
	}

	var err error
	durations := []struct {
		name string
		dst  *time.Duration
		def  time.Duration
	}{
		{"HOLD_TTL", &cfg.HoldTTL, 10 * time.Minute},
		{"ORDER_TTL", &cfg.OrderTTL, 15 * time.Minute},
		{"CANCEL_CUTOFF", &cfg.CancelCutoff, 2 * time.Hour},
		{"SWEEP_INTERVAL", &cfg.SweepInterval, time.Minute},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL, 24 * time.Hour},
		{"GATEWAY_TIMEOUT", &cfg.GatewayTimeout, 10 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = durationOr(d.name, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name string
		dst  *int
		def  int
	}{
		{"SWEEP_BATCH", &cfg.SweepBatch, 100},
		{"RATE_LIMIT_USER", &cfg.RateLimitUser, 30},
		{"RATE_LIMIT_IP", &cfg.RateLimitIP, 300},
	}
	for _, n := range ints {
		if *n.dst, err = intOr(n.name, n.def); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
		if cfg.TraceSampleRatio, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, errors.Wrap(err, "parse OTEL_TRACES_SAMPLER_ARG")
		}
	} else {
		cfg.TraceSampleRatio = 1
	}

	if cfg.Environment == "production" && cfg.GatewayURL == "" {
		return nil, errors.New("GATEWAY_URL is required when APP_ENV is production")
	}
	if cfg.HoldTTL <= 0 {
		return nil, errors.Newf("HOLD_TTL must be positive, got %s", cfg.HoldTTL)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

func intOr(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return n, nil
}
