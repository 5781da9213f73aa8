// Package idempotency replays the stored response of a request that carried
// an Idempotency-Key already seen.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
)

// ErrInProgress means a request with the same key is still being handled.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// lockTTL bounds how long a crashed request can block its key.
const lockTTL = 30 * time.Second

// Store is what the replay logic needs from Redis.
type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.StoredResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.StoredResponse, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

// Begin returns the stored response for key if there is one. Otherwise it
// claims key for the caller, who must call Finish or Abort.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	if resp, err := i.Get(ctx, key); err != nil || resp != nil {
		return resp, err
	}
	ok, err := i.store.Lock(ctx, key, lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInProgress
	}
	// A request may have finished between Get and Lock.
	if resp, err := i.Get(ctx, key); err != nil || resp != nil {
		i.store.Unlock(ctx, key)
		return resp, err
	}
	return nil, nil
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.store.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, ContentType: stored.ContentType, Result: stored.Body}, nil
}

// Finish stores resp for key and releases the claim.
func (i *Idempotency) Finish(ctx context.Context, key string, resp Response) error {
	err := i.store.Set(ctx, key, redisadapter.StoredResponse{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Result}, i.ttl)
	if uerr := i.store.Unlock(ctx, key); err == nil {
		err = uerr
	}
	return err
}

// Abort releases the claim without storing anything, so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.store.Unlock(ctx, key)
}
