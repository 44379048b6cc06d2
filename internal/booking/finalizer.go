// Package booking converts seat locks into bookings and drives booking status
// from verified payment results.
package booking

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
)

type Store interface {
	GetLock(ctx context.Context, id uuid.UUID) (domain.SeatLock, error)
	ConsumeLock(ctx context.Context, id uuid.UUID, ownerID string, now time.Time, build func(domain.SeatLock) (domain.Booking, error)) (domain.Booking, bool, error)
	TransitionBooking(ctx context.Context, id uuid.UUID, to domain.BookingStatus, paymentRef string, now time.Time) (domain.Booking, bool, error)
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	ListBookingsByOwner(ctx context.Context, ownerID string) ([]domain.Booking, error)
	ListBookings(ctx context.Context, status domain.BookingStatus, limit int) ([]domain.Booking, error)
}

// Inventory is the lock manager's view used to serialize booking mutations with
// lock requests on the same showtime.
type Inventory interface {
	Serialize(ctx context.Context, showtimeID string, fn func(ctx context.Context) error) error
}

type Auditor interface {
	Record(ctx context.Context, action, ownerID string, data map[string]interface{}) error
}

type ConfirmRequest struct {
	LockID        uuid.UUID
	OwnerID       string
	Combos        []domain.ComboSelection
	PaymentMethod domain.PaymentMethod
}

type Confirmation struct {
	Booking  domain.Booking
	Replayed bool
}

type Finalizer struct {
	store     Store
	inventory Inventory
	catalog   catalog.Catalog
	audit     Auditor
	clock     clockwork.Clock
	logger    observability.Logger
}

type Option func(*Finalizer)

func WithClock(c clockwork.Clock) Option {
	return func(f *Finalizer) { f.clock = c }
}

func WithAuditor(a Auditor) Option {
	return func(f *Finalizer) { f.audit = a }
}

func NewFinalizer(store Store, inventory Inventory, cat catalog.Catalog, logger observability.Logger, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:     store,
		inventory: inventory,
		catalog:   cat,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ConfirmBooking consumes an active lock and creates its pending booking. A second
// call for the same lock returns the booking created by the first one.
func (f *Finalizer) ConfirmBooking(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	if req.OwnerID == "" {
		return Confirmation{}, errors.Wrap(domain.ErrInvalidInput, "owner is required")
	}
	if !req.PaymentMethod.Valid() {
		return Confirmation{}, errors.Wrapf(domain.ErrInvalidInput, "unsupported payment method %q", req.PaymentMethod)
	}
	ctx, span := observability.StartSpan(ctx, "booking.ConfirmBooking", attribute.String("lock_id", req.LockID.String()))
	defer span.End()

	lock, err := f.store.GetLock(ctx, req.LockID)
	if err != nil {
		f.countConfirm(err)
		return Confirmation{}, err
	}
	if lock.OwnerID != req.OwnerID {
		err := errors.Wrapf(domain.ErrNotOwner, "lock %s", req.LockID)
		f.countConfirm(err)
		return Confirmation{}, err
	}

	var (
		showtime domain.Showtime
		combos   map[string]domain.Combo
	)
	if lock.Status != domain.LockConsumed {
		if showtime, err = f.catalog.Showtime(ctx, lock.ShowtimeID); err != nil {
			return Confirmation{}, err
		}
		ids := make([]string, 0, len(req.Combos))
		for _, c := range req.Combos {
			ids = append(ids, c.ComboID)
		}
		if combos, err = f.catalog.Combos(ctx, ids); err != nil {
			return Confirmation{}, err
		}
	}

	var out Confirmation
	err = f.inventory.Serialize(ctx, lock.ShowtimeID, func(ctx context.Context) error {
		now := f.clock.Now()
		b, replayed, err := f.store.ConsumeLock(ctx, req.LockID, req.OwnerID, now, func(l domain.SeatLock) (domain.Booking, error) {
			seats, lines, total, err := domain.Quote(showtime, l.Seats, req.Combos, combos)
			if err != nil {
				return domain.Booking{}, err
			}
			return domain.NewBooking(l, seats, lines, total, req.PaymentMethod, now), nil
		})
		out = Confirmation{Booking: b, Replayed: replayed}
		return err
	})
	f.countConfirm(err)
	if err != nil {
		observability.FailSpan(span, err)
		return Confirmation{}, err
	}
	span.SetAttributes(
		attribute.String("booking_id", out.Booking.ID.String()),
		attribute.Bool("replayed", out.Replayed),
	)

	log := f.logger.WithFields(map[string]interface{}{
		"booking_id":  out.Booking.ID,
		"lock_id":     req.LockID,
		"showtime_id": out.Booking.ShowtimeID,
	})
	if out.Replayed {
		observability.Confirmations.WithLabelValues("replayed").Inc()
		log.Info("duplicate confirmation, returning existing booking")
		return out, nil
	}
	observability.Confirmations.WithLabelValues("created").Inc()
	log.WithField("total", out.Booking.Total).Info("booking created")
	f.record(ctx, "booking.created", out.Booking)
	return out, nil
}

// ApplyPayment moves a booking according to a verified gateway result. A failed
// payment, or one whose amount differs from the booking total, cancels the booking
// and returns its seats to inventory immediately.
func (f *Finalizer) ApplyPayment(ctx context.Context, res domain.PaymentResult) (domain.Booking, error) {
	observability.PaymentResults.WithLabelValues(string(res.Status)).Inc()
	ctx, span := observability.StartSpan(ctx, "booking.ApplyPayment",
		attribute.String("booking_id", res.BookingID.String()),
		attribute.String("payment_status", string(res.Status)),
	)
	defer span.End()
	b, err := f.store.GetBooking(ctx, res.BookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	log := f.logger.WithFields(map[string]interface{}{
		"booking_id":     b.ID,
		"transaction_id": res.TransactionID,
		"payment_status": res.Status,
	})

	switch res.Status {
	case domain.PaymentSucceeded:
		if res.Amount != b.Total {
			log.WithFields(map[string]interface{}{"paid": res.Amount, "total": b.Total}).Error("payment amount mismatch, cancelling booking")
			cancelled, err := f.transition(ctx, b, domain.BookingCancelled, res.TransactionID)
			if err != nil {
				return domain.Booking{}, err
			}
			return cancelled, errors.Wrapf(domain.ErrPaymentFailed, "paid %d, expected %d", res.Amount, b.Total)
		}
		confirmed, err := f.transition(ctx, b, domain.BookingConfirmed, res.TransactionID)
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.WithError(err).Error("payment captured for a booking that can no longer be confirmed, refund required")
		}
		return confirmed, err

	case domain.PaymentFailed:
		cancelled, err := f.transition(ctx, b, domain.BookingCancelled, res.TransactionID)
		if err != nil {
			return domain.Booking{}, err
		}
		log.Info("payment failed, seats released")
		return cancelled, nil
	}
	return domain.Booking{}, errors.Wrapf(domain.ErrInvalidInput, "unknown payment status %q", res.Status)
}

// CancelBooking cancels a live booking on behalf of its owner or an admin.
func (f *Finalizer) CancelBooking(ctx context.Context, id uuid.UUID, ownerID string, admin bool) (domain.Booking, error) {
	b, err := f.GetBooking(ctx, id, ownerID, admin)
	if err != nil {
		return domain.Booking{}, err
	}
	return f.transition(ctx, b, domain.BookingCancelled, "")
}

// GetBooking returns a booking visible to ownerID; admins see every booking.
func (f *Finalizer) GetBooking(ctx context.Context, id uuid.UUID, ownerID string, admin bool) (domain.Booking, error) {
	b, err := f.store.GetBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !admin && b.OwnerID != ownerID {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotOwner, "booking %s", id)
	}
	return b, nil
}

func (f *Finalizer) ListOwnerBookings(ctx context.Context, ownerID string) ([]domain.Booking, error) {
	return f.store.ListBookingsByOwner(ctx, ownerID)
}

func (f *Finalizer) ListBookings(ctx context.Context, status domain.BookingStatus, limit int) ([]domain.Booking, error) {
	switch status {
	case "", domain.BookingPending, domain.BookingConfirmed, domain.BookingCancelled:
	default:
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown booking status %q", status)
	}
	return f.store.ListBookings(ctx, status, limit)
}

func (f *Finalizer) transition(ctx context.Context, b domain.Booking, to domain.BookingStatus, ref string) (domain.Booking, error) {
	var (
		out     domain.Booking
		changed bool
	)
	err := f.inventory.Serialize(ctx, b.ShowtimeID, func(ctx context.Context) error {
		var err error
		out, changed, err = f.store.TransitionBooking(ctx, b.ID, to, ref, f.clock.Now())
		return err
	})
	if err != nil {
		return out, err
	}
	if changed {
		f.logger.WithFields(map[string]interface{}{"booking_id": b.ID, "status": to}).Info("booking status changed")
		f.record(ctx, "booking."+string(to), out)
	}
	return out, nil
}

func (f *Finalizer) countConfirm(err error) {
	var result string
	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrLockExpired):
		result = "expired"
	case errors.Is(err, domain.ErrLockNotFound):
		result = "not_found"
	case errors.Is(err, domain.ErrNotOwner):
		result = "not_owner"
	default:
		result = "error"
	}
	observability.Confirmations.WithLabelValues(result).Inc()
}

func (f *Finalizer) record(ctx context.Context, action string, b domain.Booking) {
	if f.audit == nil {
		return
	}
	data := map[string]interface{}{
		"booking_id":  b.ID.String(),
		"lock_id":     b.LockID.String(),
		"showtime_id": b.ShowtimeID,
		"seats":       b.SeatNumbers(),
		"total":       b.Total,
		"status":      string(b.Status),
	}
	if err := f.audit.Record(ctx, action, b.OwnerID, data); err != nil {
		f.logger.WithError(err).WithField("action", action).Warn("audit write failed")
	}
}
