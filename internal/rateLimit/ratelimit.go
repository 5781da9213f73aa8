package rateLimit

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
)

// hit increments the window counter and sets its expiry on the first hit only,
// so a busy key cannot keep extending its own window.
var hit = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter is a fixed window counter per key kept in Redis.
type RateLimiter struct {
	cache *redisadapter.Cache
	now   func() time.Time
}

func NewRateLimiter(cache *redisadapter.Cache) *RateLimiter {
	return &RateLimiter{cache: cache, now: time.Now}
}

// Allow counts one hit for key in the current window of length period and
// reports whether the count is within rate.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error) {
	window := rl.now().UnixNano() / int64(period)
	counter := "rl:" + key + ":" + strconv.FormatInt(window, 10)

	n, err := hit.Run(ctx, rl.cache.Client(), []string{counter}, period.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "rate limit %s", key)
	}
	return n <= int64(rate), nil
}
