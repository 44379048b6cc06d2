// Package locks owns seat availability: it is the only component that creates or
// invalidates seat locks.
package locks

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 10 * time.Minute

	// sharedReadTimeout bounds a coalesced seat-map read, which outlives the
	// caller that started it.
	sharedReadTimeout = 5 * time.Second
)

type Store interface {
	CreateLock(ctx context.Context, lock domain.SeatLock, now time.Time) error
	GetLock(ctx context.Context, id uuid.UUID) (domain.SeatLock, error)
	ReleaseLock(ctx context.Context, id uuid.UUID, ownerID string, now time.Time) (bool, error)
	Snapshot(ctx context.Context, showtimeID string, now time.Time) (domain.Snapshot, error)
}

type SeatMapCache interface {
	Get(ctx context.Context, showtimeID string) (domain.SeatMap, bool, error)
	Set(ctx context.Context, m domain.SeatMap) error
	Invalidate(ctx context.Context, showtimeID string) error
}

type Auditor interface {
	Record(ctx context.Context, action, ownerID string, data map[string]interface{}) error
}

type LockGrant struct {
	Lock      domain.SeatLock
	ExpiresIn time.Duration
}

type Manager struct {
	store      Store
	catalog    catalog.Catalog
	guard      Guard
	cache      SeatMapCache
	audit      Auditor
	quarantine Quarantine
	clock      clockwork.Clock
	ttl        time.Duration
	logger     observability.Logger

	reads singleflight.Group
}

type Option func(*Manager)

// WithTTL overrides the lock lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithGuard(g Guard) Option {
	return func(m *Manager) { m.guard = g }
}

func WithCache(c SeatMapCache) Option {
	return func(m *Manager) { m.cache = c }
}

func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

// WithQuarantine shares the halt set with other processes.
func WithQuarantine(q Quarantine) Option {
	return func(m *Manager) { m.quarantine = q }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func NewManager(store Store, cat catalog.Catalog, logger observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		catalog:    cat,
		guard:      NewLocalGuard(),
		quarantine: NewLocalQuarantine(),
		clock:      clockwork.NewRealClock(),
		ttl:        DefaultTTL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// RequestLock locks all of seats for ownerID or none of them. When any seat is
// taken the error is a *domain.ConflictError naming every unavailable seat.
func (m *Manager) RequestLock(ctx context.Context, showtimeID string, seats []string, ownerID string) (LockGrant, error) {
	if ownerID == "" {
		return LockGrant{}, errors.Wrap(domain.ErrInvalidInput, "owner is required")
	}
	requested := domain.NormalizeSeats(seats)
	if len(requested) == 0 {
		return LockGrant{}, errors.Wrap(domain.ErrInvalidInput, "at least one seat is required")
	}
	ctx, span := observability.StartSpan(ctx, "locks.RequestLock",
		attribute.String("showtime_id", showtimeID),
		attribute.StringSlice("seats", requested),
	)
	defer span.End()

	if err := m.Halted(ctx, showtimeID); err != nil {
		return LockGrant{}, err
	}

	showtime, err := m.catalog.Showtime(ctx, showtimeID)
	if err != nil {
		return LockGrant{}, err
	}
	var unknown []string
	for _, seat := range requested {
		if _, ok := showtime.Seat(seat); !ok {
			unknown = append(unknown, seat)
		}
	}
	if len(unknown) > 0 {
		return LockGrant{}, errors.Wrapf(domain.ErrInvalidInput, "seats %v do not exist in showtime %s", unknown, showtimeID)
	}

	var lock domain.SeatLock
	err = m.Serialize(ctx, showtimeID, func(ctx context.Context) error {
		now := m.clock.Now()
		lock = domain.NewSeatLock(showtimeID, requested, ownerID, now, m.ttl)
		return m.store.CreateLock(ctx, lock, now)
	})

	log := m.logger.WithFields(map[string]interface{}{
		"showtime_id": showtimeID,
		"owner_id":    ownerID,
		"seats":       requested,
	})
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		observability.LockRequests.WithLabelValues("conflict").Inc()
		span.SetAttributes(attribute.StringSlice("conflicting_seats", conflict.Seats))
		log.WithField("conflicting_seats", conflict.Seats).Info("lock request conflicted")
		return LockGrant{}, conflict
	case err != nil:
		observability.LockRequests.WithLabelValues("error").Inc()
		observability.FailSpan(span, err)
		return LockGrant{}, err
	}

	observability.LockRequests.WithLabelValues("granted").Inc()
	log.WithField("lock_id", lock.ID).Info("seats locked")
	m.record(ctx, "lock.created", ownerID, map[string]interface{}{
		"lock_id":     lock.ID.String(),
		"showtime_id": showtimeID,
		"seats":       lock.Seats,
		"expires_at":  lock.ExpiresAt.Format(time.RFC3339),
	})

	return LockGrant{Lock: lock, ExpiresIn: lock.Remaining(m.clock.Now())}, nil
}

// ReleaseLock gives the seats of an active lock back. Releasing an unknown,
// released, expired or consumed lock is a no-op.
func (m *Manager) ReleaseLock(ctx context.Context, lockID uuid.UUID, ownerID string) error {
	lock, err := m.store.GetLock(ctx, lockID)
	if errors.Is(err, domain.ErrLockNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lock.OwnerID != ownerID {
		return errors.Wrapf(domain.ErrNotOwner, "lock %s", lockID)
	}
	if lock.Status != domain.LockActive {
		return nil
	}

	var released bool
	err = m.Serialize(ctx, lock.ShowtimeID, func(ctx context.Context) error {
		released, err = m.store.ReleaseLock(ctx, lockID, ownerID, m.clock.Now())
		return err
	})
	if err != nil {
		return err
	}
	if released {
		m.logger.WithFields(map[string]interface{}{"lock_id": lockID, "showtime_id": lock.ShowtimeID}).Info("lock released")
		m.record(ctx, "lock.released", ownerID, map[string]interface{}{"lock_id": lockID.String(), "showtime_id": lock.ShowtimeID})
	}
	return nil
}

// QuerySeatStatuses derives the status of every seat in the showtime from one
// consistent store read.
func (m *Manager) QuerySeatStatuses(ctx context.Context, showtimeID string) (domain.SeatMap, error) {
	if err := m.Halted(ctx, showtimeID); err != nil {
		return domain.SeatMap{}, err
	}
	showtime, err := m.catalog.Showtime(ctx, showtimeID)
	if err != nil {
		return domain.SeatMap{}, err
	}

	if m.cache != nil {
		cached, ok, err := m.cache.Get(ctx, showtimeID)
		if err != nil {
			m.logger.WithError(err).Warn("seat map cache read failed")
		} else if ok {
			observability.SeatMapCache.WithLabelValues("hit").Inc()
			return cached, nil
		}
		observability.SeatMapCache.WithLabelValues("miss").Inc()
	}

	v, err, _ := m.reads.Do(showtimeID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		now := m.clock.Now()
		snap, err := m.store.Snapshot(ctx, showtimeID, now)
		if err != nil {
			return domain.SeatMap{}, err
		}
		seatMap, err := domain.DeriveSeatStatuses(showtime, snap, now)
		if err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				m.halt(ctx, showtimeID, err)
			}
			return domain.SeatMap{}, err
		}
		if m.cache != nil {
			if err := m.cache.Set(ctx, seatMap); err != nil {
				m.logger.WithError(err).Warn("seat map cache write failed")
			}
		}
		return seatMap, nil
	})
	if err != nil {
		return domain.SeatMap{}, err
	}
	return v.(domain.SeatMap), nil
}

// Serialize runs fn inside the showtime's critical section. Integrity errors
// quarantine the showtime; the cached seat map is dropped afterwards.
func (m *Manager) Serialize(ctx context.Context, showtimeID string, fn func(ctx context.Context) error) error {
	if err := m.Halted(ctx, showtimeID); err != nil {
		return err
	}
	release, err := m.guard.Acquire(ctx, showtimeID)
	if err != nil {
		return errors.Wrapf(err, "acquire showtime %s", showtimeID)
	}
	defer release()

	err = fn(ctx)
	if errors.Is(err, domain.ErrIntegrity) {
		m.halt(ctx, showtimeID, err)
	}
	m.Invalidate(ctx, showtimeID)
	return err
}

// Invalidate drops the cached seat map of a showtime.
func (m *Manager) Invalidate(ctx context.Context, showtimeID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, showtimeID); err != nil {
		m.logger.WithError(err).WithField("showtime_id", showtimeID).Warn("seat map cache invalidation failed")
	}
}

// Halted returns ErrShowtimeHalted while the showtime is quarantined. A
// quarantine that cannot be read counts as halted.
func (m *Manager) Halted(ctx context.Context, showtimeID string) error {
	reason, ok, err := m.quarantine.Reason(ctx, showtimeID)
	if err != nil {
		return errors.WithSecondaryError(errors.Wrapf(domain.ErrShowtimeHalted, "showtime %s: quarantine unreadable", showtimeID), err)
	}
	if !ok {
		return nil
	}
	return errors.Wrapf(domain.ErrShowtimeHalted, "showtime %s: %s", showtimeID, reason)
}

// Resume lifts the quarantine of a showtime once an operator repaired its data.
func (m *Manager) Resume(ctx context.Context, showtimeID string) (bool, error) {
	lifted, err := m.quarantine.Lift(ctx, showtimeID)
	if err != nil {
		return false, errors.Wrapf(err, "resume showtime %s", showtimeID)
	}
	if lifted {
		m.Invalidate(ctx, showtimeID)
		m.logger.WithField("showtime_id", showtimeID).Warn("showtime resumed after integrity halt")
	}
	return lifted, nil
}

func (m *Manager) halt(ctx context.Context, showtimeID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
	defer cancel()
	log := m.logger.WithError(cause).WithField("showtime_id", showtimeID)
	first, err := m.quarantine.Halt(ctx, showtimeID, cause.Error())
	if err != nil {
		log.WithField("quarantine_error", err.Error()).Error("seat integrity violation, failed to record halt")
		return
	}
	if !first {
		return
	}
	observability.IntegrityViolations.Inc()
	log.Error("seat integrity violation, showtime halted")
}

func (m *Manager) record(ctx context.Context, action, ownerID string, data map[string]interface{}) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, action, ownerID, data); err != nil {
		m.logger.WithError(err).WithField("action", action).Warn("audit write failed")
	}
}
