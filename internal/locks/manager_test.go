package locks_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/memory"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/locks"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const showtimeID = "ST1"

func newCatalog() *catalog.Static {
	cat := catalog.NewStatic()
	cat.PutShowtime(domain.Showtime{
		ID:     showtimeID,
		Prices: map[domain.SeatCategory]int64{domain.SeatRegular: 100000},
		Seats:  catalog.GridLayout(3, 5, nil, nil),
	})
	return cat
}

func newManager(t *testing.T, store locks.Store, opts ...locks.Option) (*locks.Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	opts = append([]locks.Option{locks.WithClock(clock), locks.WithTTL(10 * time.Minute)}, opts...)
	return locks.NewManager(store, newCatalog(), observability.NopLogger(), opts...), clock
}

func TestRequestLock_OverlapConflicts(t *testing.T) {
	m, _ := newManager(t, memory.NewStore())
	ctx := context.Background()

	grant, err := m.RequestLock(ctx, showtimeID, []string{"A1", "A2"}, "user1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, grant.Lock.Seats)
	assert.Equal(t, 10*time.Minute, grant.ExpiresIn)

	_, err = m.RequestLock(ctx, showtimeID, []string{"A2", "A3"}, "user2")
	require.ErrorIs(t, err, domain.ErrConflict)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"A2"}, conflict.Seats)

	// All or nothing: A3 must still be free.
	seatMap, err := m.QuerySeatStatuses(ctx, showtimeID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatLocked, seatMap.Statuses["A1"])
	assert.Equal(t, domain.SeatLocked, seatMap.Statuses["A2"])
	assert.Equal(t, domain.SeatAvailable, seatMap.Statuses["A3"])
}

func TestRequestLock_Validation(t *testing.T) {
	m, _ := newManager(t, memory.NewStore())
	ctx := context.Background()

	_, err := m.RequestLock(ctx, showtimeID, nil, "user1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.RequestLock(ctx, showtimeID, []string{"A1"}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.RequestLock(ctx, showtimeID, []string{"Z99"}, "user1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.RequestLock(ctx, "missing", []string{"A1"}, "user1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRequestLock_ExpiredLockFreesSeats(t *testing.T) {
	m, clock := newManager(t, memory.NewStore())
	ctx := context.Background()

	_, err := m.RequestLock(ctx, showtimeID, []string{"A1"}, "user1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	seatMap, err := m.QuerySeatStatuses(ctx, showtimeID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, seatMap.Statuses["A1"])

	_, err = m.RequestLock(ctx, showtimeID, []string{"A1"}, "user2")
	require.NoError(t, err)
}

func TestRequestLock_ConcurrentRequestsNeverDoubleLock(t *testing.T) {
	m, _ := newManager(t, memory.NewStore())
	ctx := context.Background()

	const contenders = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := m.RequestLock(ctx, showtimeID, []string{"B2", "B3"}, owner)
			if err == nil {
				mu.Lock()
				granted = append(granted, owner)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrConflict)
		}(uuid.NewString())
	}
	wg.Wait()

	assert.Len(t, granted, 1)
}

func TestReleaseLock(t *testing.T) {
	m, clock := newManager(t, memory.NewStore())
	ctx := context.Background()

	grant, err := m.RequestLock(ctx, showtimeID, []string{"C1", "C2"}, "user1")
	require.NoError(t, err)

	assert.ErrorIs(t, m.ReleaseLock(ctx, grant.Lock.ID, "user2"), domain.ErrNotOwner)

	require.NoError(t, m.ReleaseLock(ctx, grant.Lock.ID, "user1"))
	require.NoError(t, m.ReleaseLock(ctx, grant.Lock.ID, "user1"), "second release is a no-op")
	require.NoError(t, m.ReleaseLock(ctx, uuid.New(), "user1"), "unknown lock is a no-op")

	_, err = m.RequestLock(ctx, showtimeID, []string{"C2"}, "user2")
	require.NoError(t, err)

	expiring, err := m.RequestLock(ctx, showtimeID, []string{"C3"}, "user1")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, m.ReleaseLock(ctx, expiring.Lock.ID, "user1"))
}

// duplicateClaims returns a snapshot in which two active locks hold A1.
type duplicateClaims struct {
	*memory.Store
	now time.Time
}

func (d *duplicateClaims) Snapshot(ctx context.Context, id string, now time.Time) (domain.Snapshot, error) {
	return domain.Snapshot{
		ShowtimeID: id,
		Locks: []domain.SeatLock{
			domain.NewSeatLock(id, []string{"A1"}, "user1", d.now, time.Hour),
			domain.NewSeatLock(id, []string{"A1"}, "user2", d.now, time.Hour),
		},
	}, nil
}

func TestIntegrityViolationHaltsShowtime(t *testing.T) {
	store := &duplicateClaims{Store: memory.NewStore()}
	m, clock := newManager(t, store)
	store.now = clock.Now()
	ctx := context.Background()

	_, err := m.QuerySeatStatuses(ctx, showtimeID)
	require.ErrorIs(t, err, domain.ErrIntegrity)

	_, err = m.QuerySeatStatuses(ctx, showtimeID)
	assert.ErrorIs(t, err, domain.ErrShowtimeHalted)
	_, err = m.RequestLock(ctx, showtimeID, []string{"B1"}, "user3")
	assert.ErrorIs(t, err, domain.ErrShowtimeHalted)

	resumed, err := m.Resume(ctx, showtimeID)
	require.NoError(t, err)
	assert.True(t, resumed)
	resumed, err = m.Resume(ctx, showtimeID)
	require.NoError(t, err)
	assert.False(t, resumed)
	_, err = m.RequestLock(ctx, showtimeID, []string{"B1"}, "user3")
	assert.NoError(t, err)
}

func TestIntegrityHaltIsSharedAcrossManagers(t *testing.T) {
	quarantine := locks.NewLocalQuarantine()
	store := &duplicateClaims{Store: memory.NewStore()}
	detector, clock := newManager(t, store, locks.WithQuarantine(quarantine))
	store.now = clock.Now()
	other, _ := newManager(t, store.Store, locks.WithQuarantine(quarantine))
	ctx := context.Background()

	_, err := detector.QuerySeatStatuses(ctx, showtimeID)
	require.ErrorIs(t, err, domain.ErrIntegrity)

	_, err = other.RequestLock(ctx, showtimeID, []string{"B1"}, "user3")
	assert.ErrorIs(t, err, domain.ErrShowtimeHalted)
	err = other.Serialize(ctx, showtimeID, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrShowtimeHalted)

	resumed, err := other.Resume(ctx, showtimeID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.NoError(t, detector.Halted(ctx, showtimeID))
}

// slowSnapshot blocks the first Snapshot until released and fails it if its
// context was cancelled meanwhile.
type slowSnapshot struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowSnapshot) Snapshot(ctx context.Context, id string, now time.Time) (domain.Snapshot, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
		if err := ctx.Err(); err != nil {
			return domain.Snapshot{}, err
		}
	}
	return s.Store.Snapshot(ctx, id, now)
}

func TestQuerySeatStatuses_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &slowSnapshot{Store: memory.NewStore(), entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newManager(t, store)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := m.QuerySeatStatuses(firstCtx, showtimeID)
		firstDone <- err
	}()
	<-store.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := m.QuerySeatStatuses(context.Background(), showtimeID)
		secondDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(store.release)

	assert.NoError(t, <-secondDone)
	<-firstDone
}

type recordingCache struct {
	mu          sync.Mutex
	maps        map[string]domain.SeatMap
	invalidated int
}

func (c *recordingCache) Get(_ context.Context, id string) (domain.SeatMap, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.maps[id]
	return m, ok, nil
}

func (c *recordingCache) Set(_ context.Context, m domain.SeatMap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps[m.ShowtimeID] = m
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.maps, id)
	c.invalidated++
	return nil
}

func TestSeatMapCacheIsInvalidatedOnMutation(t *testing.T) {
	cache := &recordingCache{maps: make(map[string]domain.SeatMap)}
	m, _ := newManager(t, memory.NewStore(), locks.WithCache(cache))
	ctx := context.Background()

	first, err := m.QuerySeatStatuses(ctx, showtimeID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, first.Statuses["A1"])

	_, err = m.RequestLock(ctx, showtimeID, []string{"A1"}, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidated)

	second, err := m.QuerySeatStatuses(ctx, showtimeID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatLocked, second.Statuses["A1"])
}

func TestLocalGuard_SerializesPerShowtime(t *testing.T) {
	g := locks.NewLocalGuard()
	ctx := context.Background()

	release, err := g.Acquire(ctx, showtimeID)
	require.NoError(t, err)

	other, err := g.Acquire(ctx, "ST2")
	require.NoError(t, err)
	other()

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(timeout, showtimeID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := g.Acquire(ctx, showtimeID)
	require.NoError(t, err)
	again()
}
