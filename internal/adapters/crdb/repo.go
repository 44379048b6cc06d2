package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/robertarktes/cinema-seat-booking/internal/outbox"
)

const (
	SerializationFailureCode = "40001"
	maxTxAttempts            = 3
)

const lockColumns = `id, showtime_id, owner_id, seat_nos, created_at, expires_at, status`

const bookingColumns = `id, lock_id, showtime_id, owner_id, seats::STRING, combos::STRING, payment_method, total, status, payment_ref, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization failures.
// fn may run more than once and must not have side effects outside tx.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			observability.DBTxRetries.Inc()
			backoff := time.Duration(1<<attempt) * 10 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err = r.tryTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
	}
	return err
}

func (r *Repository) tryTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err = fn(tx); err != nil {
		return markSerialization(err)
	}
	return markSerialization(tx.Commit(ctx))
}

func markSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return errors.Mark(err, domain.ErrSerializationFailure)
	}
	return err
}

// CreateLock claims every seat of lock or none of them. Claims left behind by
// expired, unconsumed locks are reclaimed in the same transaction.
func (r *Repository) CreateLock(ctx context.Context, lock domain.SeatLock, now time.Time) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM seat_claims
			WHERE showtime_id = $1 AND seat_no = ANY($2) AND booking_id IS NULL AND expires_at <= $3
			RETURNING lock_id
		`, lock.ShowtimeID, lock.Seats, now)
		if err != nil {
			return errors.Wrap(err, "reclaim expired claims")
		}
		stale, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			if err := r.expireLocksTx(ctx, tx, stale, now); err != nil {
				return err
			}
		}

		rows, err = tx.Query(ctx, `
			INSERT INTO seat_claims (showtime_id, seat_no, lock_id, expires_at)
			SELECT $1, unnest($2::TEXT[]), $3, $4
			ON CONFLICT (showtime_id, seat_no) DO NOTHING
			RETURNING seat_no
		`, lock.ShowtimeID, lock.Seats, lock.ID, lock.ExpiresAt)
		if err != nil {
			return errors.Wrap(err, "insert seat claims")
		}
		claimed, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(claimed) != len(lock.Seats) {
			got := make(map[string]bool, len(claimed))
			for _, s := range claimed {
				got[s] = true
			}
			var conflicting []string
			for _, s := range lock.Seats {
				if !got[s] {
					conflicting = append(conflicting, s)
				}
			}
			return domain.NewConflict(lock.ShowtimeID, conflicting)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO seat_locks (id, showtime_id, owner_id, seat_nos, created_at, expires_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE')
		`, lock.ID, lock.ShowtimeID, lock.OwnerID, lock.Seats, lock.CreatedAt, lock.ExpiresAt)
		if err != nil {
			return errors.Wrap(err, "insert lock")
		}
		return r.emit(ctx, tx, "lock", lock.ID, "lock.created", outbox.LockEvent(lock), now)
	})
}

func (r *Repository) expireLocksTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error {
	rows, err := tx.Query(ctx, `
		UPDATE seat_locks SET status = 'EXPIRED'
		WHERE id = ANY($1) AND status = 'ACTIVE' AND expires_at <= $2
		RETURNING `+lockColumns, ids, now)
	if err != nil {
		return errors.Wrap(err, "expire locks")
	}
	expired, err := collectLocks(rows)
	if err != nil {
		return err
	}
	for _, l := range expired {
		if _, err := tx.Exec(ctx, `
			DELETE FROM seat_claims WHERE lock_id = $1 AND booking_id IS NULL
		`, l.ID); err != nil {
			return errors.Wrap(err, "drop expired claims")
		}
		if err := r.emit(ctx, tx, "lock", l.ID, "lock.expired", outbox.LockEvent(l), now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetLock(ctx context.Context, id uuid.UUID) (domain.SeatLock, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lockColumns+` FROM seat_locks WHERE id = $1`, id)
	if err != nil {
		return domain.SeatLock{}, err
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return domain.SeatLock{}, err
	}
	if len(locks) == 0 {
		return domain.SeatLock{}, errors.Wrapf(domain.ErrLockNotFound, "lock %s", id)
	}
	return locks[0], nil
}

func lockForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.SeatLock, error) {
	rows, err := tx.Query(ctx, `SELECT `+lockColumns+` FROM seat_locks WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return domain.SeatLock{}, err
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return domain.SeatLock{}, err
	}
	if len(locks) == 0 {
		return domain.SeatLock{}, errors.Wrapf(domain.ErrLockNotFound, "lock %s", id)
	}
	return locks[0], nil
}

// ReleaseLock reports whether an active lock was released. Unknown and inert
// locks are a no-op.
func (r *Repository) ReleaseLock(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (bool, error) {
	var released bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		released = false
		lock, err := lockForUpdate(ctx, tx, id)
		if errors.Is(err, domain.ErrLockNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if lock.OwnerID != ownerID {
			return errors.Wrapf(domain.ErrNotOwner, "lock %s", id)
		}
		if lock.Status != domain.LockActive {
			return nil
		}

		status := domain.LockReleased
		if !now.Before(lock.ExpiresAt) {
			status = domain.LockExpired
		}
		if _, err := tx.Exec(ctx, `UPDATE seat_locks SET status = $2 WHERE id = $1`, id, status); err != nil {
			return errors.Wrap(err, "release lock")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM seat_claims WHERE lock_id = $1 AND booking_id IS NULL`, id); err != nil {
			return errors.Wrap(err, "drop released claims")
		}
		lock.Status = status
		released = true
		return r.emit(ctx, tx, "lock", id, "lock.released", outbox.LockEvent(lock), now)
	})
	return released, err
}

// Snapshot reads active locks and live bookings of a showtime in one transaction.
func (r *Repository) Snapshot(ctx context.Context, showtimeID string, now time.Time) (domain.Snapshot, error) {
	snap := domain.Snapshot{ShowtimeID: showtimeID}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+lockColumns+` FROM seat_locks
			WHERE showtime_id = $1 AND status = 'ACTIVE' AND expires_at > $2
		`, showtimeID, now)
		if err != nil {
			return err
		}
		if snap.Locks, err = collectLocks(rows); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE showtime_id = $1 AND status IN ('pending', 'confirmed')
		`, showtimeID)
		if err != nil {
			return err
		}
		snap.Bookings, err = collectBookings(rows)
		return err
	})
	return snap, err
}

// ConsumeLock turns an active lock into the booking returned by build. A lock
// that was already consumed returns its booking with replayed set.
func (r *Repository) ConsumeLock(ctx context.Context, id uuid.UUID, ownerID string, now time.Time, build func(domain.SeatLock) (domain.Booking, error)) (domain.Booking, bool, error) {
	var (
		booking  domain.Booking
		replayed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		replayed = false
		lock, err := lockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if lock.OwnerID != ownerID {
			return errors.Wrapf(domain.ErrNotOwner, "lock %s", id)
		}
		if lock.Status == domain.LockConsumed {
			booking, err = bookingByLock(ctx, tx, id)
			replayed = true
			return err
		}
		if !lock.Active(now) {
			return errors.Wrapf(domain.ErrLockExpired, "lock %s expired at %s", id, lock.ExpiresAt.Format(time.RFC3339))
		}

		booking, err = build(lock)
		if err != nil {
			return err
		}
		seats, err := json.Marshal(booking.Seats)
		if err != nil {
			return err
		}
		combos, err := json.Marshal(booking.Combos)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bookings (id, lock_id, showtime_id, owner_id, seats, combos, payment_method, total, status, payment_ref, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $10)
		`, booking.ID, booking.LockID, booking.ShowtimeID, booking.OwnerID, string(seats), string(combos),
			string(booking.PaymentMethod), booking.Total, string(booking.Status), booking.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert booking")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE seat_claims SET booking_id = $2, expires_at = NULL
			WHERE lock_id = $1 AND booking_id IS NULL
		`, id, booking.ID)
		if err != nil {
			return errors.Wrap(err, "occupy seats")
		}
		if tag.RowsAffected() != int64(len(lock.Seats)) {
			return errors.Wrapf(domain.ErrIntegrity, "lock %s holds %d claims for %d seats", id, tag.RowsAffected(), len(lock.Seats))
		}

		if _, err := tx.Exec(ctx, `UPDATE seat_locks SET status = 'CONSUMED' WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, "consume lock")
		}
		return r.emit(ctx, tx, "booking", booking.ID, "booking.created", outbox.BookingEvent(booking), now)
	})
	if err != nil {
		return domain.Booking{}, false, err
	}
	return booking, replayed, nil
}

// TransitionBooking moves a booking to status to. Moving to the current status is a
// no-op reported with changed=false. Cancelling frees the booking's seats.
func (r *Repository) TransitionBooking(ctx context.Context, id uuid.UUID, to domain.BookingStatus, paymentRef string, now time.Time) (domain.Booking, bool, error) {
	var (
		booking domain.Booking
		changed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		changed = false
		rows, err := tx.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		found, err := collectBookings(rows)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return errors.Wrapf(domain.ErrNotFound, "booking %s", id)
		}
		booking = found[0]
		if booking.Status == to {
			return nil
		}
		if !domain.CanTransition(booking.Status, to) {
			return errors.Wrapf(domain.ErrInvalidTransition, "booking %s: %s -> %s", id, booking.Status, to)
		}

		booking.Status = to
		booking.UpdatedAt = now
		if paymentRef != "" {
			booking.PaymentRef = paymentRef
		}
		_, err = tx.Exec(ctx, `
			UPDATE bookings SET status = $2, payment_ref = $3, updated_at = $4 WHERE id = $1
		`, id, string(to), booking.PaymentRef, now)
		if err != nil {
			return errors.Wrap(err, "update booking status")
		}
		if to == domain.BookingCancelled {
			if _, err := tx.Exec(ctx, `DELETE FROM seat_claims WHERE booking_id = $1`, id); err != nil {
				return errors.Wrap(err, "free cancelled seats")
			}
		}
		changed = true
		return r.emit(ctx, tx, "booking", id, "booking."+string(to), outbox.BookingEvent(booking), now)
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return domain.Booking{}, false, err
	}
	return booking, changed, err
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err != nil {
		return domain.Booking{}, err
	}
	found, err := collectBookings(rows)
	if err != nil {
		return domain.Booking{}, err
	}
	if len(found) == 0 {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	return found[0], nil
}

func bookingByLock(ctx context.Context, tx pgx.Tx, lockID uuid.UUID) (domain.Booking, error) {
	rows, err := tx.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE lock_id = $1`, lockID)
	if err != nil {
		return domain.Booking{}, err
	}
	found, err := collectBookings(rows)
	if err != nil {
		return domain.Booking{}, err
	}
	if len(found) == 0 {
		return domain.Booking{}, errors.Wrapf(domain.ErrIntegrity, "consumed lock %s has no booking", lockID)
	}
	return found[0], nil
}

func (r *Repository) ListBookingsByOwner(ctx context.Context, ownerID string) ([]domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *Repository) ListBookings(ctx context.Context, status domain.BookingStatus, limit int) ([]domain.Booking, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// ExpireLocks marks up to limit overdue active locks expired and frees their seats.
func (r *Repository) ExpireLocks(ctx context.Context, now time.Time, limit int) ([]domain.SeatLock, error) {
	var expired []domain.SeatLock
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE seat_locks SET status = 'EXPIRED'
			WHERE id IN (
				SELECT id FROM seat_locks WHERE status = 'ACTIVE' AND expires_at <= $1
				ORDER BY expires_at LIMIT $2
			)
			RETURNING `+lockColumns, now, limit)
		if err != nil {
			return err
		}
		if expired, err = collectLocks(rows); err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(expired))
		for i, l := range expired {
			ids[i] = l.ID
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM seat_claims WHERE lock_id = ANY($1) AND booking_id IS NULL
		`, ids); err != nil {
			return errors.Wrap(err, "drop expired claims")
		}
		for _, l := range expired {
			if err := r.emit(ctx, tx, "lock", l.ID, "lock.expired", outbox.LockEvent(l), now); err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}

func (r *Repository) StalePendingBookings(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func collectLocks(rows pgx.Rows) ([]domain.SeatLock, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SeatLock, error) {
		var l domain.SeatLock
		var status string
		err := row.Scan(&l.ID, &l.ShowtimeID, &l.OwnerID, &l.Seats, &l.CreatedAt, &l.ExpiresAt, &status)
		l.Status = domain.LockStatus(status)
		return l, err
	})
}

func collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Booking, error) {
		var (
			b              domain.Booking
			seats, combos  string
			method, status string
		)
		err := row.Scan(&b.ID, &b.LockID, &b.ShowtimeID, &b.OwnerID, &seats, &combos, &method, &b.Total, &status, &b.PaymentRef, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return b, err
		}
		b.PaymentMethod = domain.PaymentMethod(method)
		b.Status = domain.BookingStatus(status)
		if err := json.Unmarshal([]byte(seats), &b.Seats); err != nil {
			return b, errors.Wrap(err, "decode booking seats")
		}
		if err := json.Unmarshal([]byte(combos), &b.Combos); err != nil {
			return b, errors.Wrap(err, "decode booking combos")
		}
		return b, nil
	})
}
