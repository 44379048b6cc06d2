package mongo_test

import (
	"context"
	"testing"
	"time"

	mongoadapter "github.com/robertarktes/cinema-seat-booking/internal/adapters/mongo"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func setupMongo(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mongoContainer.Terminate(ctx) })

	endpoint, err := mongoContainer.Endpoint(ctx, "mongodb")
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })
	return client.Database("cinema_test")
}

func TestCatalogRepository(t *testing.T) {
	db := setupMongo(t)
	ctx := context.Background()
	repo := mongoadapter.NewCatalogRepository(db, observability.NopLogger())

	_, err := repo.Showtime(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	st := domain.Showtime{
		ID:         "ST1",
		MovieTitle: "Dune",
		HallName:   "Hall 1",
		StartsAt:   time.Now().UTC().Truncate(time.Millisecond),
		EndsAt:     time.Now().UTC().Add(2 * time.Hour).Truncate(time.Millisecond),
		Prices:     map[domain.SeatCategory]int64{domain.SeatRegular: 100000, domain.SeatVIP: 150000},
		Seats:      catalog.GridLayout(2, 3, nil, []int{1}),
	}
	require.NoError(t, repo.PutShowtime(ctx, st))

	got, err := repo.Showtime(ctx, "ST1")
	require.NoError(t, err)
	assert.Equal(t, st.MovieTitle, got.MovieTitle)
	assert.Equal(t, st.Prices, got.Prices)
	assert.Equal(t, st.Seats, got.Seats)
	assert.True(t, st.StartsAt.Equal(got.StartsAt))

	st.MovieTitle = "Dune: Part Two"
	require.NoError(t, repo.PutShowtime(ctx, st))
	got, err = repo.Showtime(ctx, "ST1")
	require.NoError(t, err)
	assert.Equal(t, "Dune: Part Two", got.MovieTitle)

	require.NoError(t, repo.PutCombo(ctx, domain.Combo{ID: "C1", Name: "Popcorn", Price: 50000, Active: true}))
	require.NoError(t, repo.PutCombo(ctx, domain.Combo{ID: "C2", Name: "Nachos", Price: 60000, Active: false}))

	combos, err := repo.Combos(ctx, []string{"C1", "C2", "C9"})
	require.NoError(t, err)
	assert.Len(t, combos, 2)
	assert.Equal(t, int64(60000), combos["C2"].Price)

	active, err := repo.ActiveCombos(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "C1", active[0].ID)

	empty, err := repo.Combos(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAuditLogger(t *testing.T) {
	db := setupMongo(t)
	ctx := context.Background()
	audit := mongoadapter.NewAuditLogger(db, observability.NopLogger())

	require.NoError(t, audit.Record(ctx, "lock.created", "user1", map[string]interface{}{"showtime_id": "ST1"}))
	require.NoError(t, audit.Record(ctx, "lock.released", "user1", nil))
	require.NoError(t, audit.Record(ctx, "lock.created", "user2", nil))

	n, err := db.Collection("audit_logs").CountDocuments(ctx, bson.M{"owner_id": "user1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var entry mongoadapter.AuditLog
	require.NoError(t, db.Collection("audit_logs").FindOne(ctx, bson.M{"owner_id": "user2"}).Decode(&entry))
	assert.Equal(t, "lock.created", entry.Action)
}
