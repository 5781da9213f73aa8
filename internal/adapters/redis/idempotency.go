package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const (
	replayPrefix = "idemp:resp:"
	lockPrefix   = "idemp:lock:"
)

// Idempotency keeps finished responses as hashes and in-flight claims as
// plain keys, both expiring on their own.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*StoredResponse, error) {
	fields, err := i.client.HGetAll(ctx, replayPrefix+key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read stored response")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	status, err := strconv.Atoi(fields["status"])
	if err != nil {
		return nil, errors.Wrapf(err, "stored response %q has bad status", key)
	}
	return &StoredResponse{Status: status, ContentType: fields["content_type"], Body: []byte(fields["body"])}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	k := replayPrefix + key
	_, err := i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "status", resp.Status, "content_type", resp.ContentType, "body", resp.Body)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	return errors.Wrap(err, "store response")
}

// Lock marks key as in flight. It reports false when another request holds it.
func (i *Idempotency) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return i.client.SetNX(ctx, lockPrefix+key, time.Now().UnixMilli(), ttl).Result()
}

func (i *Idempotency) Unlock(ctx context.Context, key string) error {
	return i.client.Del(ctx, lockPrefix+key).Err()
}
