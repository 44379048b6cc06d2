// Package idempotency replays stored responses for retried POST requests that
// carry the same Idempotency-Key.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/cinema-seat-booking/internal/adapters/redis"
)

const MinKeyLength = 16

var (
	ErrInvalidKey = errors.New("invalid Idempotency-Key")
	ErrInFlight   = errors.New("request with this Idempotency-Key is in progress")
)

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
	// inflight bounds how long a crashed request can block its key.
	inflight time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, inflight: 30 * time.Second}
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Key scopes a client key to the caller and the route so two users, or two
// endpoints, never share a stored response.
func Key(ownerID, method, path, clientKey string) (string, error) {
	if len(clientKey) < MinKeyLength {
		return "", errors.Wrapf(ErrInvalidKey, "must be at least %d characters", MinKeyLength)
	}
	return ownerID + ":" + method + ":" + path + ":" + clientKey, nil
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.store.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, ContentType: stored.ContentType, Body: stored.Body}, nil
}

// Begin claims key for the current request. It fails with ErrInFlight while an
// earlier request with the same key has not finished.
func (i *Idempotency) Begin(ctx context.Context, key string) error {
	ok, err := i.store.Reserve(ctx, key, i.inflight)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInFlight
	}
	return nil
}

// Finish stores resp for key, or only frees the key when resp is nil.
func (i *Idempotency) Finish(ctx context.Context, key string, resp *Response) error {
	if resp != nil {
		err := i.store.Set(ctx, key, redisadapter.IdempResponse{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Body:        resp.Body,
		}, i.ttl)
		if err != nil {
			return err
		}
	}
	return i.store.Release(ctx, key)
}
