package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
)

// Cache holds short-lived seat maps so polling clients do not hit the store on
// every refresh. Entries are dropped on every mutation of the showtime.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

type seatMapEntry struct {
	ShowtimeID string                       `json:"showtime_id"`
	Statuses   map[string]domain.SeatStatus `json:"statuses"`
	TakenAt    time.Time                    `json:"taken_at"`
}

func seatMapKey(showtimeID string) string {
	return "seatmap:" + showtimeID
}

func (c *Cache) Get(ctx context.Context, showtimeID string) (domain.SeatMap, bool, error) {
	val, err := c.client.Get(ctx, seatMapKey(showtimeID)).Bytes()
	if err == redis.Nil {
		return domain.SeatMap{}, false, nil
	}
	if err != nil {
		return domain.SeatMap{}, false, errors.Wrap(err, "get seat map")
	}
	var e seatMapEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return domain.SeatMap{}, false, errors.Wrap(err, "decode seat map")
	}
	return domain.SeatMap{ShowtimeID: e.ShowtimeID, Statuses: e.Statuses, TakenAt: e.TakenAt}, true, nil
}

func (c *Cache) Set(ctx context.Context, m domain.SeatMap) error {
	data, err := json.Marshal(seatMapEntry{ShowtimeID: m.ShowtimeID, Statuses: m.Statuses, TakenAt: m.TakenAt})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, seatMapKey(m.ShowtimeID), data, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, showtimeID string) error {
	return c.client.Del(ctx, seatMapKey(showtimeID)).Err()
}
