package redis_test

import (
	"context"
	"testing"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/cinema-seat-booking/internal/adapters/redis"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	endpoint, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redisclient.NewClient(&redisclient.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisAdapters(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	t.Run("guard excludes a second holder", func(t *testing.T) {
		guard := redisadapter.NewShowtimeGuard(client, 5*time.Second)

		release, err := guard.Acquire(ctx, "ST1")
		require.NoError(t, err)

		timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = guard.Acquire(timeout, "ST1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		other, err := guard.Acquire(ctx, "ST2")
		require.NoError(t, err)
		other()

		release()
		again, err := guard.Acquire(ctx, "ST1")
		require.NoError(t, err)
		again()
	})

	t.Run("guard lease expires", func(t *testing.T) {
		guard := redisadapter.NewShowtimeGuard(client, 100*time.Millisecond)
		stale, err := guard.Acquire(ctx, "ST3")
		require.NoError(t, err)

		fresh, err := guard.Acquire(ctx, "ST3")
		require.NoError(t, err)
		// The stale holder must not free the new holder's guard.
		stale()

		timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = guard.Acquire(timeout, "ST3")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		fresh()
	})

	t.Run("seat map cache", func(t *testing.T) {
		cache := redisadapter.NewCache(client, time.Minute)
		_, ok, err := cache.Get(ctx, "ST1")
		require.NoError(t, err)
		assert.False(t, ok)

		m := domain.SeatMap{
			ShowtimeID: "ST1",
			Statuses:   map[string]domain.SeatStatus{"A1": domain.SeatLocked, "A2": domain.SeatAvailable},
			TakenAt:    time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, cache.Set(ctx, m))

		got, ok, err := cache.Get(ctx, "ST1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m.Statuses, got.Statuses)
		assert.True(t, m.TakenAt.Equal(got.TakenAt))

		require.NoError(t, cache.Invalidate(ctx, "ST1"))
		_, ok, err = cache.Get(ctx, "ST1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("idempotency store", func(t *testing.T) {
		idemp := redisadapter.NewIdempotency(client)

		ok, err := idemp.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = idemp.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, idemp.Set(ctx, "k1", redisadapter.IdempResponse{Status: 201, ContentType: "application/json", Body: []byte(`{"ok":true}`)}, time.Minute))
		require.NoError(t, idemp.Release(ctx, "k1"))

		stored, err := idemp.Get(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, 201, stored.Status)
		assert.JSONEq(t, `{"ok":true}`, string(stored.Body))

		missing, err := idemp.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}
