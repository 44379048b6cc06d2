package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the guard key only while it still holds our token, so a
// holder whose lease ran out cannot free somebody else's guard.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ShowtimeGuard is a lease-based mutex per showtime shared by every API replica.
type ShowtimeGuard struct {
	client *redis.Client
	lease  time.Duration
	poll   time.Duration
}

func NewShowtimeGuard(client *redis.Client, lease time.Duration) *ShowtimeGuard {
	return &ShowtimeGuard{client: client, lease: lease, poll: 10 * time.Millisecond}
}

func (g *ShowtimeGuard) Acquire(ctx context.Context, showtimeID string) (func(), error) {
	key := "guard:showtime:" + showtimeID
	token := uuid.NewString()

	for {
		ok, err := g.client.SetNX(ctx, key, token, g.lease).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire guard %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.poll):
		}
	}

	return func() {
		// The caller's context may already be cancelled; the lease still has to go.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		releaseScript.Run(ctx, g.client, []string{key}, token)
	}, nil
}
