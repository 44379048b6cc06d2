package booking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/memory"
	"github.com/robertarktes/cinema-seat-booking/internal/booking"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/locks"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const showtimeID = "ST1"

type fixture struct {
	clock     *clockwork.FakeClock
	store     *memory.Store
	locks     *locks.Manager
	finalizer *booking.Finalizer
	audit     *auditSpy
}

type auditSpy struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditSpy) Record(_ context.Context, action, _ string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	cat := catalog.NewStatic()
	cat.PutShowtime(domain.Showtime{
		ID: showtimeID,
		Prices: map[domain.SeatCategory]int64{
			domain.SeatRegular: 100000,
			domain.SeatVIP:     150000,
		},
		Seats: catalog.GridLayout(4, 6, nil, []int{4}),
	})
	cat.PutCombo(domain.Combo{ID: "C1", Name: "Popcorn", Price: 50000, Active: true})

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	logger := observability.NopLogger()
	lm := locks.NewManager(store, cat, logger, locks.WithClock(clock), locks.WithTTL(ttl))
	audit := &auditSpy{}
	bf := booking.NewFinalizer(store, lm, cat, logger, booking.WithClock(clock), booking.WithAuditor(audit))
	return &fixture{clock: clock, store: store, locks: lm, finalizer: bf, audit: audit}
}

func (f *fixture) lock(t *testing.T, owner string, seats ...string) domain.SeatLock {
	t.Helper()
	grant, err := f.locks.RequestLock(context.Background(), showtimeID, seats, owner)
	require.NoError(t, err)
	return grant.Lock
}

func (f *fixture) confirm(t *testing.T, l domain.SeatLock, combos ...domain.ComboSelection) domain.Booking {
	t.Helper()
	conf, err := f.finalizer.ConfirmBooking(context.Background(), booking.ConfirmRequest{
		LockID:        l.ID,
		OwnerID:       l.OwnerID,
		Combos:        combos,
		PaymentMethod: domain.PaymentMoMo,
	})
	require.NoError(t, err)
	require.False(t, conf.Replayed)
	return conf.Booking
}

func TestConfirmBooking_ExpiredLock(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	l := f.lock(t, "user1", "A1")
	f.clock.Advance(2 * time.Second)

	_, err := f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: l.ID, OwnerID: "user1", PaymentMethod: domain.PaymentVisa})
	require.ErrorIs(t, err, domain.ErrLockExpired)

	_, err = f.locks.RequestLock(ctx, showtimeID, []string{"A1"}, "user2")
	require.NoError(t, err)
}

func TestConfirmBooking_TotalIncludesCombos(t *testing.T) {
	f := newFixture(t, 10*time.Minute)

	l := f.lock(t, "user1", "B1", "B2")
	b := f.confirm(t, l, domain.ComboSelection{ComboID: "C1", Quantity: 2})

	assert.Equal(t, int64(300000), b.Total)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, []string{"B1", "B2"}, b.SeatNumbers())
	require.Len(t, b.Combos, 1)
	assert.Equal(t, 2, b.Combos[0].Quantity)

	seatMap, err := f.locks.QuerySeatStatuses(context.Background(), showtimeID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatOccupied, seatMap.Statuses["B1"])
	assert.Equal(t, domain.SeatOccupied, seatMap.Statuses["B2"])
	assert.Contains(t, f.audit.actions, "booking.created")
}

func TestConfirmBooking_ReplayReturnsSameBooking(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	ctx := context.Background()

	l := f.lock(t, "user1", "C5")
	first := f.confirm(t, l)

	again, err := f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: l.ID, OwnerID: "user1", PaymentMethod: domain.PaymentMoMo})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ID, again.Booking.ID)

	// Even after the lock deadline the consumed lock still resolves to its booking.
	f.clock.Advance(time.Hour)
	late, err := f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: l.ID, OwnerID: "user1", PaymentMethod: domain.PaymentMoMo})
	require.NoError(t, err)
	assert.Equal(t, first.ID, late.Booking.ID)

	mine, err := f.finalizer.ListOwnerBookings(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestConfirmBooking_ConcurrentConfirmsCreateOneBooking(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	l := f.lock(t, "user1", "D1", "D2")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]int)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conf, err := f.finalizer.ConfirmBooking(context.Background(), booking.ConfirmRequest{LockID: l.ID, OwnerID: "user1", PaymentMethod: domain.PaymentCard})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[conf.Booking.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
}

func TestConfirmBooking_Rejections(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	ctx := context.Background()
	l := f.lock(t, "user1", "A3")

	_, err := f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: l.ID, OwnerID: "user2", PaymentMethod: domain.PaymentMoMo})
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: uuid.New(), OwnerID: "user1", PaymentMethod: domain.PaymentMoMo})
	assert.ErrorIs(t, err, domain.ErrLockNotFound)

	_, err = f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: l.ID, OwnerID: "user1", PaymentMethod: "cash"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{
		LockID:        l.ID,
		OwnerID:       "user1",
		PaymentMethod: domain.PaymentMoMo,
		Combos:        []domain.ComboSelection{{ComboID: "nope", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// A rejected quote leaves the lock usable.
	b := f.confirm(t, l)
	assert.Equal(t, int64(100000), b.Total)

	released := f.lock(t, "user1", "A4")
	require.NoError(t, f.locks.ReleaseLock(ctx, released.ID, "user1"))
	_, err = f.finalizer.ConfirmBooking(ctx, booking.ConfirmRequest{LockID: released.ID, OwnerID: "user1", PaymentMethod: domain.PaymentMoMo})
	assert.ErrorIs(t, err, domain.ErrLockExpired)
}

func TestApplyPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("success confirms", func(t *testing.T) {
		f := newFixture(t, 10*time.Minute)
		b := f.confirm(t, f.lock(t, "user1", "D3"))

		got, err := f.finalizer.ApplyPayment(ctx, domain.PaymentResult{BookingID: b.ID, Status: domain.PaymentSucceeded, TransactionID: "tx-1", Amount: b.Total})
		require.NoError(t, err)
		assert.Equal(t, domain.BookingConfirmed, got.Status)
		assert.Equal(t, "tx-1", got.PaymentRef)

		// Gateways redeliver; a duplicate success is a no-op.
		again, err := f.finalizer.ApplyPayment(ctx, domain.PaymentResult{BookingID: b.ID, Status: domain.PaymentSucceeded, TransactionID: "tx-1", Amount: b.Total})
		require.NoError(t, err)
		assert.Equal(t, domain.BookingConfirmed, again.Status)
	})

	t.Run("failure cancels and frees seats", func(t *testing.T) {
		f := newFixture(t, 10*time.Minute)
		b := f.confirm(t, f.lock(t, "user1", "D4"))

		got, err := f.finalizer.ApplyPayment(ctx, domain.PaymentResult{BookingID: b.ID, Status: domain.PaymentFailed, TransactionID: "tx-2"})
		require.NoError(t, err)
		assert.Equal(t, domain.BookingCancelled, got.Status)

		_, err = f.locks.RequestLock(ctx, showtimeID, []string{"D4"}, "user2")
		require.NoError(t, err)
	})

	t.Run("amount mismatch cancels", func(t *testing.T) {
		f := newFixture(t, 10*time.Minute)
		b := f.confirm(t, f.lock(t, "user1", "D5"))

		got, err := f.finalizer.ApplyPayment(ctx, domain.PaymentResult{BookingID: b.ID, Status: domain.PaymentSucceeded, TransactionID: "tx-3", Amount: 1})
		require.ErrorIs(t, err, domain.ErrPaymentFailed)
		assert.Equal(t, domain.BookingCancelled, got.Status)
	})

	t.Run("late success on cancelled booking", func(t *testing.T) {
		f := newFixture(t, 10*time.Minute)
		b := f.confirm(t, f.lock(t, "user1", "D6"))
		_, err := f.finalizer.CancelBooking(ctx, b.ID, "user1", false)
		require.NoError(t, err)

		_, err = f.finalizer.ApplyPayment(ctx, domain.PaymentResult{BookingID: b.ID, Status: domain.PaymentSucceeded, TransactionID: "tx-4", Amount: b.Total})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown booking", func(t *testing.T) {
		f := newFixture(t, 10*time.Minute)
		_, err := f.finalizer.ApplyPayment(ctx, domain.PaymentResult{BookingID: uuid.New(), Status: domain.PaymentSucceeded, TransactionID: "tx-5"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCancelBookingAndVisibility(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	ctx := context.Background()
	b := f.confirm(t, f.lock(t, "user1", "A5", "A6"))

	_, err := f.finalizer.GetBooking(ctx, b.ID, "user2", false)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = f.finalizer.CancelBooking(ctx, b.ID, "user2", false)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	seen, err := f.finalizer.GetBooking(ctx, b.ID, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, b.ID, seen.ID)

	cancelled, err := f.finalizer.CancelBooking(ctx, b.ID, "user1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, cancelled.Status)

	list, err := f.finalizer.ListBookings(ctx, domain.BookingCancelled, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.finalizer.ListBookings(ctx, "refunded", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.locks.RequestLock(ctx, showtimeID, []string{"A5", "A6"}, "user2")
	require.NoError(t, err)
}
