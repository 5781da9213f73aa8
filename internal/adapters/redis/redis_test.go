package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestCache_SeatMap(t *testing.T) {
	mr, client := newClient(t)
	cache := redisadapter.NewCache(client)
	ctx := context.Background()
	showtime := uuid.New()

	_, ok, err := cache.GetSeatMap(ctx, showtime)
	require.NoError(t, err)
	assert.False(t, ok)

	seats := domain.GenerateSeats(showtime, domain.SeatLayout{Rows: []string{"A"}, SeatsPerRow: 3})
	require.NoError(t, cache.SetSeatMap(ctx, showtime, seats, 30*time.Second))

	got, ok, err := cache.GetSeatMap(ctx, showtime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, seats, got)

	mr.FastForward(31 * time.Second)
	_, ok, err = cache.GetSeatMap(ctx, showtime)
	require.NoError(t, err)
	assert.False(t, ok, "entry expires")

	require.NoError(t, cache.SetSeatMap(ctx, showtime, seats, time.Minute))
	require.NoError(t, cache.InvalidateSeatMap(ctx, showtime))
	_, ok, err = cache.GetSeatMap(ctx, showtime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotency_LockAndStore(t *testing.T) {
	mr, client := newClient(t)
	store := redisadapter.NewIdempotency(client)
	ctx := context.Background()

	resp, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)

	ok, err := store.Lock(ctx, "k1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Lock(ctx, "k1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k1", redisadapter.StoredResponse{Status: 201, ContentType: "application/json", Body: []byte(`{"id":1}`)}, time.Hour))
	require.NoError(t, store.Unlock(ctx, "k1"))

	resp, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
	assert.JSONEq(t, `{"id":1}`, string(resp.Body))

	mr.FastForward(2 * time.Hour)
	resp, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)
}
