package redis

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Quarantine stores halted showtimes as keys without expiry, so a halt holds
// across replicas and restarts until an operator lifts it.
type Quarantine struct {
	client *redis.Client
}

func NewQuarantine(client *redis.Client) *Quarantine {
	return &Quarantine{client: client}
}

func haltKey(showtimeID string) string {
	return "halt:showtime:" + showtimeID
}

func (q *Quarantine) Halt(ctx context.Context, showtimeID, reason string) (bool, error) {
	ok, err := q.client.SetNX(ctx, haltKey(showtimeID), reason, 0).Result()
	if err != nil {
		return false, errors.Wrapf(err, "halt showtime %s", showtimeID)
	}
	return ok, nil
}

func (q *Quarantine) Reason(ctx context.Context, showtimeID string) (string, bool, error) {
	reason, err := q.client.Get(ctx, haltKey(showtimeID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read quarantine of showtime %s", showtimeID)
	}
	return reason, true, nil
}

func (q *Quarantine) Lift(ctx context.Context, showtimeID string) (bool, error) {
	n, err := q.client.Del(ctx, haltKey(showtimeID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "lift quarantine of showtime %s", showtimeID)
	}
	return n > 0, nil
}
