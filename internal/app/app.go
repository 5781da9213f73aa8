// Package app connects the stores and builds the services shared by the
// binaries under cmd/.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robertarktes/cinema-booking-engine/internal/adapters/crdb"
	"github.com/robertarktes/cinema-booking-engine/internal/adapters/gateway"
	mongoadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
	"github.com/robertarktes/cinema-booking-engine/internal/booking"
	"github.com/robertarktes/cinema-booking-engine/internal/cart"
	"github.com/robertarktes/cinema-booking-engine/internal/config"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

type App struct {
	Pool     *pgxpool.Pool
	Repo     *crdb.Repository
	Mongo    *mongo.Client
	Catalog  *mongoadapter.CatalogRepository
	Redis    *goredis.Client
	Cache    *redisadapter.Cache
	Ledger   *inventory.Ledger
	Bookings *booking.Service
	Carts    *cart.Service
	Payments *payment.Coordinator
}

// New connects CockroachDB, MongoDB and Redis and wires the services on top.
// Without GATEWAY_URL payments go through the in-process fake gateway.
func New(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	a := &App{}
	var err error

	if a.Pool, err = crdb.Connect(ctx, cfg.CRDBDSN); err != nil {
		return nil, errors.Wrap(err, "connect crdb")
	}
	if a.Mongo, err = mongoadapter.Connect(ctx, cfg.MongoURI); err != nil {
		a.Close(ctx)
		return nil, errors.Wrap(err, "connect mongo")
	}
	if a.Redis, err = redisadapter.Connect(ctx, cfg.RedisAddr); err != nil {
		a.Close(ctx)
		return nil, errors.Wrap(err, "connect redis")
	}

	a.Repo = crdb.NewRepository(a.Pool)
	a.Catalog = mongoadapter.NewCatalogRepository(a.Mongo.Database(cfg.MongoDB), logger)
	a.Cache = redisadapter.NewCache(a.Redis)

	a.Ledger = inventory.NewLedger(a.Repo, logger, cfg.HoldTTL, inventory.WithSeatMapCache(a.Cache))
	a.Bookings = booking.NewService(a.Repo, a.Ledger, a.Catalog, logger, cfg.CancelCutoff)
	a.Carts = cart.NewService(a.Repo, a.Catalog, logger, cfg.OrderTTL)

	var gw payment.Gateway
	if cfg.GatewayURL == "" {
		logger.Warn("GATEWAY_URL is not set, using the fake payment gateway")
		gw = payment.NewFakeGateway()
	} else {
		gw = gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, logger)
	}
	a.Payments = payment.NewCoordinator(a.Repo, gw, a.Bookings, a.Carts, logger, cfg.Currency)
	return a, nil
}

// Ping checks every store concurrently.
func (a *App) Ping(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Pool.Ping(ctx) })
	g.Go(func() error { return a.Mongo.Ping(ctx, nil) })
	g.Go(func() error { return a.Redis.Ping(ctx).Err() })
	return g.Wait()
}

func (a *App) Close(ctx context.Context) {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Mongo != nil {
		a.Mongo.Disconnect(ctx)
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
