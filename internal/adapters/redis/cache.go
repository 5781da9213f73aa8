// Package redis holds the Redis backed seat map cache, idempotency store and
// the client shared with the rate limiter.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
)

type Cache struct {
	client *redis.Client
}

var _ inventory.SeatMapCache = (*Cache)(nil)

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Connect parses addr as a redis:// URL or a host:port and pings the server.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func seatMapKey(showtimeID uuid.UUID) string {
	return "seatmap:" + showtimeID.String()
}

func (c *Cache) GetSeatMap(ctx context.Context, showtimeID uuid.UUID) ([]domain.Seat, bool, error) {
	val, err := c.client.Get(ctx, seatMapKey(showtimeID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var seats []domain.Seat
	if err := json.Unmarshal(val, &seats); err != nil {
		return nil, false, errors.Wrapf(err, "decode seat map %s", showtimeID)
	}
	return seats, true, nil
}

func (c *Cache) SetSeatMap(ctx context.Context, showtimeID uuid.UUID, seats []domain.Seat, ttl time.Duration) error {
	data, err := json.Marshal(seats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, seatMapKey(showtimeID), data, ttl).Err()
}

func (c *Cache) InvalidateSeatMap(ctx context.Context, showtimeID uuid.UUID) error {
	return c.client.Del(ctx, seatMapKey(showtimeID)).Err()
}
