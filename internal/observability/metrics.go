package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cbe_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbe_db_tx_retries_total",
			Help: "Transactions retried after a serialization failure",
		},
	)

	SeatReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_seat_reservations_total",
			Help: "Seat reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	SeatsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_seats_released_total",
			Help: "Seats returned to AVAILABLE by reason",
		},
		[]string{"reason"},
	)

	Checkouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_checkouts_total",
			Help: "Cart checkout attempts by outcome",
		},
		[]string{"outcome"},
	)

	PaymentsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_payments_finalized_total",
			Help: "Payments settled by final status",
		},
		[]string{"owner", "status"},
	)

	ExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_expired_total",
			Help: "Bookings and orders expired by the sweeper",
		},
		[]string{"kind"},
	)

	SeatMapCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cbe_seat_map_cache_total",
			Help: "Seat map cache lookups by result",
		},
		[]string{"result"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cbe_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbe_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cbe_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	GatewayBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cbe_gateway_breaker_state",
			Help: "Payment gateway circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)
