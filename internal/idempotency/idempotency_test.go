package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
	"github.com/robertarktes/cinema-booking-engine/internal/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdempotency(t *testing.T) *idempotency.Idempotency {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idempotency.NewIdempotency(redisadapter.NewIdempotency(client), time.Hour)
}

func TestBegin_ClaimsThenReplays(t *testing.T) {
	idem := newIdempotency(t)
	ctx := context.Background()

	resp, err := idem.Begin(ctx, "user:POST:/bookings:abc")
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = idem.Begin(ctx, "user:POST:/bookings:abc")
	assert.ErrorIs(t, err, idempotency.ErrInProgress)

	require.NoError(t, idem.Finish(ctx, "user:POST:/bookings:abc", idempotency.Response{Status: 201, ContentType: "application/json", Result: []byte(`{"code":"BK1"}`)}))

	resp, err = idem.Begin(ctx, "user:POST:/bookings:abc")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, `{"code":"BK1"}`, string(resp.Result))
}

func TestAbort_AllowsRetry(t *testing.T) {
	idem := newIdempotency(t)
	ctx := context.Background()

	_, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, idem.Abort(ctx, "k"))

	resp, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)
}
