// Package reaper proactively frees seats held by locks past their deadline and by
// bookings whose payment never arrived.
package reaper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
)

type Store interface {
	ExpireLocks(ctx context.Context, now time.Time, limit int) ([]domain.SeatLock, error)
	StalePendingBookings(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Booking, error)
	TransitionBooking(ctx context.Context, id uuid.UUID, to domain.BookingStatus, paymentRef string, now time.Time) (domain.Booking, bool, error)
}

type Inventory interface {
	Serialize(ctx context.Context, showtimeID string, fn func(ctx context.Context) error) error
	Invalidate(ctx context.Context, showtimeID string)
}

type SweepResult struct {
	ExpiredLocks      int
	CancelledBookings int
}

type Reaper struct {
	store          Store
	inventory      Inventory
	clock          clockwork.Clock
	paymentTimeout time.Duration
	batch          int
	maxRetries     int
	logger         observability.Logger
}

type Option func(*Reaper)

func WithClock(c clockwork.Clock) Option {
	return func(r *Reaper) { r.clock = c }
}

// WithBatch caps how many locks and bookings one sweep touches.
func WithBatch(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.batch = n
		}
	}
}

func New(store Store, inventory Inventory, paymentTimeout time.Duration, logger observability.Logger, opts ...Option) *Reaper {
	r := &Reaper{
		store:          store,
		inventory:      inventory,
		clock:          clockwork.NewRealClock(),
		paymentTimeout: paymentTimeout,
		batch:          500,
		maxRetries:     3,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep expires overdue locks, then cancels pending bookings older than the
// payment timeout. Correctness never depends on it running: reads already treat
// overdue locks as gone.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.clock.Now()

	expired, err := r.store.ExpireLocks(ctx, now, r.batch)
	if err != nil {
		return res, errors.Wrap(err, "expire locks")
	}
	res.ExpiredLocks = len(expired)
	touched := make(map[string]struct{})
	for _, l := range expired {
		touched[l.ShowtimeID] = struct{}{}
	}
	for showtimeID := range touched {
		r.inventory.Invalidate(ctx, showtimeID)
	}
	observability.ReapedLocks.Add(float64(len(expired)))

	if r.paymentTimeout > 0 {
		stale, err := r.store.StalePendingBookings(ctx, now.Add(-r.paymentTimeout), r.batch)
		if err != nil {
			return res, errors.Wrap(err, "list stale bookings")
		}
		for _, b := range stale {
			cancelled, err := r.cancelWithRetry(ctx, b)
			if err != nil {
				r.logger.WithError(err).WithField("booking_id", b.ID).Error("failed to cancel unpaid booking after retries")
				continue
			}
			if cancelled {
				res.CancelledBookings++
			}
		}
		observability.ReapedBookings.Add(float64(res.CancelledBookings))
	}

	if res.ExpiredLocks > 0 || res.CancelledBookings > 0 {
		r.logger.WithFields(map[string]interface{}{
			"expired_locks":      res.ExpiredLocks,
			"cancelled_bookings": res.CancelledBookings,
		}).Info("sweep finished")
	}
	return res, nil
}

func (r *Reaper) cancelWithRetry(ctx context.Context, b domain.Booking) (bool, error) {
	var lastErr error
	for i := 0; i < r.maxRetries; i++ {
		var changed bool
		err := r.inventory.Serialize(ctx, b.ShowtimeID, func(ctx context.Context) error {
			var err error
			_, changed, err = r.store.TransitionBooking(ctx, b.ID, domain.BookingCancelled, "payment_timeout", r.clock.Now())
			return err
		})
		switch {
		case err == nil:
			return changed, nil
		case errors.Is(err, domain.ErrInvalidTransition):
			// Payment confirmed it between the listing and the transition.
			return false, nil
		case errors.Is(err, domain.ErrShowtimeHalted):
			return false, err
		}
		lastErr = err

		backoff := time.Duration(1<<i) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.clock.After(backoff):
		}
	}
	return false, errors.Wrapf(lastErr, "after %d attempts", r.maxRetries)
}
