package rateLimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
)

// RateLimiter is a fixed-window counter per key shared by every API replica.
type RateLimiter struct {
	client *redis.Client
	logger observability.Logger
}

func NewRateLimiter(client *redis.Client, logger observability.Logger) *RateLimiter {
	return &RateLimiter{client: client, logger: logger}
}

// Allow counts one hit against key. Redis failures let the request through.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	fullKey := "rl:" + key

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
		return true
	}
	if incr.Val() > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
