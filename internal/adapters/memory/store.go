// Package memory is a process-local implementation of the seat, lock and booking
// store. Each showtime is a shard with its own mutex, so showtimes never contend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/outbox"
)

// lockRetention is how long a released or expired lock stays queryable before
// a sweep forgets it.
const lockRetention = time.Hour

type claim struct {
	lockID    uuid.UUID
	bookingID uuid.UUID
	expiresAt time.Time
}

type shard struct {
	mu       sync.Mutex
	claims   map[string]claim
	locks    map[uuid.UUID]*domain.SeatLock
	bookings map[uuid.UUID]*domain.Booking
	byLock   map[uuid.UUID]uuid.UUID
}

type Store struct {
	mu       sync.RWMutex
	shards   map[string]*shard
	lockIdx  map[uuid.UUID]string
	bookIdx  map[uuid.UUID]string
	outboxMu sync.Mutex
	outbox   []outbox.Record
	noOutbox bool
}

type Option func(*Store)

// WithoutOutbox stops recording events. Use it when nothing drains the outbox.
func WithoutOutbox() Option {
	return func(s *Store) { s.noOutbox = true }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		shards:  make(map[string]*shard),
		lockIdx: make(map[uuid.UUID]string),
		bookIdx: make(map[uuid.UUID]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shard(showtimeID string) *shard {
	s.mu.RLock()
	sh, ok := s.shards[showtimeID]
	s.mu.RUnlock()
	if ok {
		return sh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[showtimeID]; ok {
		return sh
	}
	sh = &shard{
		claims:   make(map[string]claim),
		locks:    make(map[uuid.UUID]*domain.SeatLock),
		bookings: make(map[uuid.UUID]*domain.Booking),
		byLock:   make(map[uuid.UUID]uuid.UUID),
	}
	s.shards[showtimeID] = sh
	return sh
}

func (s *Store) shardOfLock(id uuid.UUID) (*shard, bool) {
	s.mu.RLock()
	showtimeID, ok := s.lockIdx[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.shard(showtimeID), true
}

func (s *Store) shardOfBooking(id uuid.UUID) (*shard, bool) {
	s.mu.RLock()
	showtimeID, ok := s.bookIdx[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.shard(showtimeID), true
}

func (s *Store) emit(aggregateType string, id uuid.UUID, eventType string, payload interface{}, now time.Time) error {
	if s.noOutbox {
		return nil
	}
	rec, err := outbox.NewRecord(aggregateType, id, eventType, payload, now)
	if err != nil {
		return err
	}
	s.outboxMu.Lock()
	s.outbox = append(s.outbox, rec)
	s.outboxMu.Unlock()
	return nil
}

// CreateLock claims every seat of lock or none of them.
func (s *Store) CreateLock(ctx context.Context, lock domain.SeatLock, now time.Time) error {
	sh := s.shard(lock.ShowtimeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var conflicting []string
	for _, seat := range lock.Seats {
		c, ok := sh.claims[seat]
		if !ok {
			continue
		}
		if c.bookingID == uuid.Nil && !now.Before(c.expiresAt) {
			continue
		}
		conflicting = append(conflicting, seat)
	}
	if len(conflicting) > 0 {
		return domain.NewConflict(lock.ShowtimeID, conflicting)
	}

	for _, seat := range lock.Seats {
		if c, ok := sh.claims[seat]; ok {
			sh.expireLocked(c.lockID, now)
		}
		sh.claims[seat] = claim{lockID: lock.ID, expiresAt: lock.ExpiresAt}
	}
	stored := lock
	stored.Seats = append([]string(nil), lock.Seats...)
	sh.locks[lock.ID] = &stored

	s.mu.Lock()
	s.lockIdx[lock.ID] = lock.ShowtimeID
	s.mu.Unlock()

	return s.emit("lock", lock.ID, "lock.created", outbox.LockEvent(lock), now)
}

// expireLocked marks an overtaken lock expired and drops its remaining claims.
func (sh *shard) expireLocked(id uuid.UUID, now time.Time) {
	l, ok := sh.locks[id]
	if !ok || l.Status != domain.LockActive || now.Before(l.ExpiresAt) {
		return
	}
	l.Status = domain.LockExpired
	sh.dropLockClaims(l)
}

func (sh *shard) dropLockClaims(l *domain.SeatLock) {
	for _, seat := range l.Seats {
		if c, ok := sh.claims[seat]; ok && c.lockID == l.ID && c.bookingID == uuid.Nil {
			delete(sh.claims, seat)
		}
	}
}

func (s *Store) GetLock(ctx context.Context, id uuid.UUID) (domain.SeatLock, error) {
	sh, ok := s.shardOfLock(id)
	if !ok {
		return domain.SeatLock{}, errors.Wrapf(domain.ErrLockNotFound, "lock %s", id)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return copyLock(sh.locks[id]), nil
}

func (s *Store) ReleaseLock(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (bool, error) {
	sh, ok := s.shardOfLock(id)
	if !ok {
		return false, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l := sh.locks[id]
	if l.OwnerID != ownerID {
		return false, errors.Wrapf(domain.ErrNotOwner, "lock %s", id)
	}
	if l.Status != domain.LockActive {
		return false, nil
	}
	if now.Before(l.ExpiresAt) {
		l.Status = domain.LockReleased
	} else {
		l.Status = domain.LockExpired
	}
	sh.dropLockClaims(l)
	return true, s.emit("lock", l.ID, "lock.released", outbox.LockEvent(*l), now)
}

func (s *Store) Snapshot(ctx context.Context, showtimeID string, now time.Time) (domain.Snapshot, error) {
	sh := s.shard(showtimeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	snap := domain.Snapshot{ShowtimeID: showtimeID}
	for _, l := range sh.locks {
		if l.Active(now) {
			snap.Locks = append(snap.Locks, copyLock(l))
		}
	}
	for _, b := range sh.bookings {
		if b.Live() {
			snap.Bookings = append(snap.Bookings, copyBooking(b))
		}
	}
	return snap, nil
}

func (s *Store) ConsumeLock(ctx context.Context, id uuid.UUID, ownerID string, now time.Time, build func(domain.SeatLock) (domain.Booking, error)) (domain.Booking, bool, error) {
	sh, ok := s.shardOfLock(id)
	if !ok {
		return domain.Booking{}, false, errors.Wrapf(domain.ErrLockNotFound, "lock %s", id)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l := sh.locks[id]
	if l.OwnerID != ownerID {
		return domain.Booking{}, false, errors.Wrapf(domain.ErrNotOwner, "lock %s", id)
	}
	if l.Status == domain.LockConsumed {
		return copyBooking(sh.bookings[sh.byLock[id]]), true, nil
	}
	if !l.Active(now) {
		return domain.Booking{}, false, errors.Wrapf(domain.ErrLockExpired, "lock %s expired at %s", id, l.ExpiresAt.Format(time.RFC3339))
	}
	for _, seat := range l.Seats {
		if c, ok := sh.claims[seat]; !ok || c.lockID != l.ID || c.bookingID != uuid.Nil {
			return domain.Booking{}, false, errors.Wrapf(domain.ErrIntegrity, "lock %s lost its claim on seat %s", id, seat)
		}
	}

	b, err := build(copyLock(l))
	if err != nil {
		return domain.Booking{}, false, err
	}

	for _, seat := range l.Seats {
		sh.claims[seat] = claim{lockID: l.ID, bookingID: b.ID}
	}
	l.Status = domain.LockConsumed
	stored := copyBooking(&b)
	sh.bookings[b.ID] = &stored
	sh.byLock[l.ID] = b.ID

	s.mu.Lock()
	s.bookIdx[b.ID] = b.ShowtimeID
	s.mu.Unlock()

	return b, false, s.emit("booking", b.ID, "booking.created", outbox.BookingEvent(b), now)
}

func (s *Store) TransitionBooking(ctx context.Context, id uuid.UUID, to domain.BookingStatus, paymentRef string, now time.Time) (domain.Booking, bool, error) {
	sh, ok := s.shardOfBooking(id)
	if !ok {
		return domain.Booking{}, false, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := sh.bookings[id]
	if b.Status == to {
		return copyBooking(b), false, nil
	}
	if !domain.CanTransition(b.Status, to) {
		return copyBooking(b), false, errors.Wrapf(domain.ErrInvalidTransition, "booking %s: %s -> %s", id, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = now
	if paymentRef != "" {
		b.PaymentRef = paymentRef
	}
	if to == domain.BookingCancelled {
		for _, seat := range b.SeatNumbers() {
			if c, ok := sh.claims[seat]; ok && c.bookingID == b.ID {
				delete(sh.claims, seat)
			}
		}
	}
	out := copyBooking(b)
	return out, true, s.emit("booking", b.ID, "booking."+string(to), outbox.BookingEvent(out), now)
}

func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	sh, ok := s.shardOfBooking(id)
	if !ok {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return copyBooking(sh.bookings[id]), nil
}

func (s *Store) ListBookingsByOwner(ctx context.Context, ownerID string) ([]domain.Booking, error) {
	return s.collectBookings(func(b *domain.Booking) bool { return b.OwnerID == ownerID }, 0), nil
}

func (s *Store) ListBookings(ctx context.Context, status domain.BookingStatus, limit int) ([]domain.Booking, error) {
	return s.collectBookings(func(b *domain.Booking) bool { return status == "" || b.Status == status }, limit), nil
}

func (s *Store) collectBookings(keep func(*domain.Booking) bool, limit int) []domain.Booking {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var out []domain.Booking
	for _, sh := range shards {
		sh.mu.Lock()
		for _, b := range sh.bookings {
			if keep(b) {
				out = append(out, copyBooking(b))
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ExpireLocks marks overdue locks expired and forgets released or expired
// locks that ended more than lockRetention ago. Consumed locks stay for replays.
func (s *Store) ExpireLocks(ctx context.Context, now time.Time, limit int) ([]domain.SeatLock, error) {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var expired []domain.SeatLock
	for _, sh := range shards {
		sh.mu.Lock()
		for _, l := range sh.locks {
			if limit > 0 && len(expired) >= limit {
				break
			}
			if l.Status != domain.LockActive || now.Before(l.ExpiresAt) {
				continue
			}
			l.Status = domain.LockExpired
			sh.dropLockClaims(l)
			expired = append(expired, copyLock(l))
			if err := s.emit("lock", l.ID, "lock.expired", outbox.LockEvent(*l), now); err != nil {
				sh.mu.Unlock()
				return expired, err
			}
		}
		gone := sh.pruneLocked(now.Add(-lockRetention))
		sh.mu.Unlock()

		if len(gone) > 0 {
			s.mu.Lock()
			for _, id := range gone {
				delete(s.lockIdx, id)
			}
			s.mu.Unlock()
		}
	}
	return expired, nil
}

func (sh *shard) pruneLocked(endedBefore time.Time) []uuid.UUID {
	var gone []uuid.UUID
	for id, l := range sh.locks {
		if l.Status != domain.LockReleased && l.Status != domain.LockExpired {
			continue
		}
		if !l.ExpiresAt.Before(endedBefore) {
			continue
		}
		delete(sh.locks, id)
		gone = append(gone, id)
	}
	return gone
}

func (s *Store) StalePendingBookings(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Booking, error) {
	return s.collectBookings(func(b *domain.Booking) bool {
		return b.Status == domain.BookingPending && !b.CreatedAt.After(createdBefore)
	}, limit), nil
}

func (s *Store) GetUnpublishedOutbox(ctx context.Context, limit int) ([]outbox.Record, error) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	var out []outbox.Record
	for _, rec := range s.outbox {
		if rec.Status != "NEW" {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time, dedupeKey string) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox record %s", id)
}

func copyLock(l *domain.SeatLock) domain.SeatLock {
	out := *l
	out.Seats = append([]string(nil), l.Seats...)
	return out
}

func copyBooking(b *domain.Booking) domain.Booking {
	out := *b
	out.Seats = append([]domain.BookedSeat(nil), b.Seats...)
	out.Combos = append([]domain.ComboLine(nil), b.Combos...)
	return out
}
