package session_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/memory"
	"github.com/robertarktes/cinema-seat-booking/internal/apiclient"
	"github.com/robertarktes/cinema-seat-booking/internal/booking"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	httphandler "github.com/robertarktes/cinema-seat-booking/internal/http"
	"github.com/robertarktes/cinema-seat-booking/internal/locks"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/robertarktes/cinema-seat-booking/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret     = "session-test-secret"
	showtimeID = "ST1"
)

type server struct {
	url   string
	clock *clockwork.FakeClock
}

func newServer(t *testing.T) *server {
	t.Helper()
	cat := catalog.NewStatic()
	cat.PutShowtime(domain.Showtime{
		ID:     showtimeID,
		Prices: map[domain.SeatCategory]int64{domain.SeatRegular: 100000},
		Seats:  catalog.GridLayout(3, 4, nil, nil),
	})
	cat.PutCombo(domain.Combo{ID: "C1", Name: "Popcorn", Price: 50000, Active: true})

	clock := clockwork.NewFakeClock()
	store := memory.NewStore()
	logger := observability.NopLogger()
	lm := locks.NewManager(store, cat, logger, locks.WithClock(clock), locks.WithTTL(10*time.Minute))
	bf := booking.NewFinalizer(store, lm, cat, logger, booking.WithClock(clock))
	h := httphandler.NewHandlers(lm, bf, cat, "webhook", nil)

	srv := httptest.NewServer(httphandler.SetupRouter(h, logger, httphandler.RouterConfig{JWTSecret: secret}))
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, clock: clock}
}

func (s *server) client(t *testing.T, userID string) *apiclient.Client {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, httphandler.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return apiclient.New(s.url, apiclient.Credentials{Token: tok, UserID: userID}, nil)
}

func (s *server) session(t *testing.T, userID string) *session.Controller {
	t.Helper()
	c := session.New(s.client(t, userID), showtimeID, s.clock, observability.NopLogger())
	require.NoError(t, c.Start(context.Background()))
	return c
}

func TestController_HappyPath(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.session(t, "user1")

	assert.Equal(t, session.Browsing, c.State())
	assert.Equal(t, domain.SeatAvailable, c.SeatStatus("A1"))

	require.NoError(t, c.Toggle("A1"))
	require.NoError(t, c.Toggle("A2"))
	assert.Equal(t, session.SeatsSelected, c.State())
	require.NoError(t, c.SetCombo("C1", 2))
	assert.ErrorIs(t, c.SetCombo("nope", 1), session.ErrUnknownCombo)
	assert.Equal(t, int64(300000), c.Total())

	require.NoError(t, c.Lock(ctx))
	assert.Equal(t, session.LockHeld, c.State())
	assert.Equal(t, 10*time.Minute, c.Remaining())
	assert.ErrorIs(t, c.Toggle("A3"), session.ErrWrongState)

	b, err := c.Confirm(ctx, domain.PaymentMoMo)
	require.NoError(t, err)
	assert.Equal(t, session.Confirmed, c.State())
	assert.Equal(t, int64(300000), b.Total)
	assert.Equal(t, "pending", b.Status)

	mine, err := s.client(t, "user1").MyBookings(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b.ID, mine[0].ID)
}

func TestController_LockConflictKeepsSelection(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.session(t, "user1")

	require.NoError(t, c.Toggle("B2"))
	require.NoError(t, c.Toggle("B3"))

	_, err := s.client(t, "user2").RequestLock(ctx, showtimeID, []string{"B2"})
	require.NoError(t, err)

	err = c.Lock(ctx)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, session.SeatsSelected, c.State())
	assert.Equal(t, []string{"B2"}, c.Conflicting())
	assert.Equal(t, domain.SeatLocked, c.SeatStatus("B2"))
	assert.Equal(t, []string{"B2", "B3"}, c.Selected())

	// Touching another seat keeps the flag, and the contested seat is never
	// sent to the server again.
	require.NoError(t, c.Toggle("A1"))
	assert.Equal(t, []string{"B2"}, c.Conflicting())
	assert.ErrorIs(t, c.Lock(ctx), session.ErrSeatUnavailable)
	assert.Equal(t, session.SeatsSelected, c.State())

	// Dropping the contested seat clears the conflict and lets the lock through.
	require.NoError(t, c.Toggle("B2"))
	assert.Empty(t, c.Conflicting())
	require.NoError(t, c.Lock(ctx))
	assert.Equal(t, session.LockHeld, c.State())
}

func TestController_RefreshDropsTakenSeats(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.session(t, "user1")

	require.NoError(t, c.Toggle("C1"))
	_, err := s.client(t, "user2").RequestLock(ctx, showtimeID, []string{"C1"})
	require.NoError(t, err)

	dropped, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, dropped)
	assert.Equal(t, session.Browsing, c.State())
	assert.ErrorIs(t, c.Toggle("C1"), session.ErrSeatUnavailable)
}

func TestController_CountdownExpiresSession(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.session(t, "user1")

	require.NoError(t, c.Toggle("A4"))
	require.NoError(t, c.Lock(ctx))

	s.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return c.State() == session.LockExpired }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Remaining())

	_, err := c.Confirm(ctx, domain.PaymentVisa)
	assert.ErrorIs(t, err, session.ErrSessionExpired)

	c.Reset()
	assert.Equal(t, session.Browsing, c.State())
	assert.Empty(t, c.Selected())

	// The seat is free again for everyone once the deadline passed.
	_, err = c.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Toggle("A4"))
	require.NoError(t, c.Lock(ctx))
}

func TestController_CancelReleasesLock(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.session(t, "user1")

	require.NoError(t, c.Toggle("C4"))
	require.NoError(t, c.Lock(ctx))
	c.Cancel(ctx)
	assert.Equal(t, session.Cancelled, c.State())

	other := s.session(t, "user2")
	assert.Equal(t, domain.SeatAvailable, other.SeatStatus("C4"))
	require.NoError(t, other.Toggle("C4"))
	require.NoError(t, other.Lock(ctx))
}

// slowLocks holds RequestLock until proceed is closed.
type slowLocks struct {
	session.API
	entered chan struct{}
	proceed chan struct{}
}

func (s *slowLocks) RequestLock(ctx context.Context, showtimeID string, seats []string) (apiclient.Lock, error) {
	close(s.entered)
	<-s.proceed
	return s.API.RequestLock(ctx, showtimeID, seats)
}

func TestController_LockInFlightDoesNotBlockReaders(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	api := &slowLocks{API: s.client(t, "user1"), entered: make(chan struct{}), proceed: make(chan struct{})}
	c := session.New(api, showtimeID, s.clock, observability.NopLogger())
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Toggle("A3"))

	done := make(chan error, 1)
	go func() { done <- c.Lock(ctx) }()
	<-api.entered

	state := make(chan session.State, 1)
	go func() { state <- c.State() }()
	select {
	case st := <-state:
		assert.Equal(t, session.LockPending, st)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind the lock request")
	}
	assert.Zero(t, c.Remaining())

	// Cancelling mid-flight wins; the lock granted afterwards is handed back.
	c.Cancel(ctx)
	close(api.proceed)
	require.ErrorIs(t, <-done, session.ErrWrongState)
	assert.Equal(t, session.Cancelled, c.State())

	_, err := s.client(t, "user2").RequestLock(ctx, showtimeID, []string{"A3"})
	require.NoError(t, err)
}
