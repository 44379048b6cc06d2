// Package session drives one user's booking flow for a single showtime: seat
// selection, the lock countdown and the confirmation call.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robertarktes/cinema-seat-booking/internal/apiclient"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
)

type State string

const (
	Browsing       State = "browsing"
	SeatsSelected  State = "seats_selected"
	LockPending    State = "lock_pending"
	LockHeld       State = "lock_held"
	PaymentPending State = "payment_pending"
	Confirmed      State = "confirmed"
	LockExpired    State = "lock_expired"
	Cancelled      State = "cancelled"
)

var (
	ErrSeatUnavailable = errors.New("seat is not available")
	ErrSessionExpired  = errors.New("session expired, please reselect seats")
	ErrWrongState      = errors.New("operation not allowed in the current state")
	ErrUnknownCombo    = errors.New("unknown combo")
)

// API is the part of the REST client the controller needs.
type API interface {
	Showtime(ctx context.Context, showtimeID string) (apiclient.Showtime, error)
	Combos(ctx context.Context) ([]apiclient.Combo, error)
	SeatStatuses(ctx context.Context, showtimeID string) (map[string]domain.SeatStatus, error)
	RequestLock(ctx context.Context, showtimeID string, seats []string) (apiclient.Lock, error)
	ReleaseLock(ctx context.Context, lockID uuid.UUID) error
	ConfirmBooking(ctx context.Context, lockID uuid.UUID, combos []domain.ComboSelection, method domain.PaymentMethod) (apiclient.Booking, bool, error)
}

type Controller struct {
	api        API
	showtimeID string
	clock      clockwork.Clock
	logger     observability.Logger

	mu          sync.Mutex
	state       State
	seatPrices  map[string]int64
	comboPrices map[string]int64
	statuses    map[string]domain.SeatStatus
	selected    map[string]struct{}
	combos      map[string]int
	conflicting []string
	lockID      uuid.UUID
	expiresAt   time.Time
	timer       clockwork.Timer
	booking     *apiclient.Booking
}

func New(api API, showtimeID string, clock clockwork.Clock, logger observability.Logger) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		api:         api,
		showtimeID:  showtimeID,
		clock:       clock,
		logger:      logger.WithField("showtime_id", showtimeID),
		state:       Browsing,
		seatPrices:  make(map[string]int64),
		comboPrices: make(map[string]int64),
		statuses:    make(map[string]domain.SeatStatus),
		selected:    make(map[string]struct{}),
		combos:      make(map[string]int),
	}
}

// Start loads the price table and combo list, then the first seat map.
func (c *Controller) Start(ctx context.Context) error {
	st, err := c.api.Showtime(ctx, c.showtimeID)
	if err != nil {
		return err
	}
	combos, err := c.api.Combos(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, s := range st.Seats {
		c.seatPrices[s.Number] = st.Prices[s.Category]
	}
	for _, cb := range combos {
		c.comboPrices[cb.ID] = cb.Price
	}
	c.mu.Unlock()

	_, err = c.Refresh(ctx)
	return err
}

// Refresh replaces the seat map with the server's. While seats are still being
// chosen, selected seats that are no longer available are dropped and returned.
func (c *Controller) Refresh(ctx context.Context) ([]string, error) {
	statuses, err := c.api.SeatStatuses(ctx, c.showtimeID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = statuses
	if c.state != Browsing && c.state != SeatsSelected {
		return nil, nil
	}
	var dropped []string
	for seat := range c.selected {
		if statuses[seat] != domain.SeatAvailable {
			delete(c.selected, seat)
			c.conflicting = without(c.conflicting, seat)
			dropped = append(dropped, seat)
		}
	}
	sort.Strings(dropped)
	c.settleSelection()
	if len(dropped) > 0 {
		c.logger.WithField("seats", dropped).Info("selected seats taken by someone else")
	}
	return dropped, nil
}

// Toggle selects an available seat or deselects a selected one.
func (c *Controller) Toggle(seat string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Browsing && c.state != SeatsSelected {
		return errors.Wrapf(ErrWrongState, "toggle in %s", c.state)
	}
	if _, ok := c.selected[seat]; ok {
		delete(c.selected, seat)
		c.conflicting = without(c.conflicting, seat)
	} else {
		if c.statuses[seat] != domain.SeatAvailable {
			return errors.Wrapf(ErrSeatUnavailable, "seat %s", seat)
		}
		c.selected[seat] = struct{}{}
	}
	c.settleSelection()
	return nil
}

func (c *Controller) SetCombo(comboID string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.comboPrices[comboID]; !ok {
		return errors.Wrapf(ErrUnknownCombo, "combo %s", comboID)
	}
	if qty < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "negative quantity for combo %s", comboID)
	}
	if qty == 0 {
		delete(c.combos, comboID)
		return nil
	}
	c.combos[comboID] = qty
	return nil
}

// Total is the price of the current selection. The server recomputes it at
// confirmation; this is only what the user is shown.
func (c *Controller) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for seat := range c.selected {
		total += c.seatPrices[seat]
	}
	for id, qty := range c.combos {
		total += c.comboPrices[id] * int64(qty)
	}
	return total
}

// Lock asks the server to lock the selection. On conflict the session stays in
// SeatsSelected and Conflicting reports the seats someone else holds; they have
// to be deselected before the next attempt.
func (c *Controller) Lock(ctx context.Context) error {
	seats, err := c.beginLock()
	if err != nil {
		return err
	}

	lock, err := c.api.RequestLock(ctx, c.showtimeID, seats)

	c.mu.Lock()
	if c.state != LockPending {
		state := c.state
		c.mu.Unlock()
		if err == nil {
			c.release(ctx, lock.LockID)
		}
		return errors.Wrapf(ErrWrongState, "lock finished in %s", state)
	}
	defer c.mu.Unlock()

	if err != nil {
		c.state = SeatsSelected
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && errors.Is(err, domain.ErrConflict) {
			c.conflicting = append([]string(nil), apiErr.ConflictingSeats...)
			for _, seat := range c.conflicting {
				c.statuses[seat] = domain.SeatLocked
			}
		}
		return err
	}

	ttl := time.Duration(lock.ExpiresInSeconds) * time.Second
	c.lockID = lock.LockID
	c.expiresAt = c.clock.Now().Add(ttl)
	c.conflicting = nil
	c.state = LockHeld
	lockID := lock.LockID
	c.timer = c.clock.AfterFunc(ttl, func() { c.expire(lockID) })
	c.logger.WithFields(map[string]interface{}{"lock_id": lockID, "expires_in": ttl.String()}).Info("seats locked")
	return nil
}

// beginLock checks that only available seats are selected and moves to
// LockPending.
func (c *Controller) beginLock() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SeatsSelected {
		return nil, errors.Wrapf(ErrWrongState, "lock in %s", c.state)
	}
	seats := c.selectedLocked()
	var unavailable []string
	for _, seat := range seats {
		if c.statuses[seat] != domain.SeatAvailable {
			unavailable = append(unavailable, seat)
		}
	}
	if len(unavailable) > 0 {
		return nil, errors.Wrapf(ErrSeatUnavailable, "deselect seats %v", unavailable)
	}
	c.state = LockPending
	return seats, nil
}

func (c *Controller) expire(lockID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockID != lockID || c.state != LockHeld {
		return
	}
	c.dropLock(LockExpired)
	c.logger.WithField("lock_id", lockID).Info("lock countdown reached zero")
}

// Remaining is the countdown shown to the user; zero when no lock is held.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != LockHeld && c.state != PaymentPending {
		return 0
	}
	d := c.expiresAt.Sub(c.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Confirm turns the held lock into a booking paid with method.
func (c *Controller) Confirm(ctx context.Context, method domain.PaymentMethod) (apiclient.Booking, error) {
	lockID, combos, err := c.beginConfirm()
	if err != nil {
		return apiclient.Booking{}, err
	}

	b, _, err := c.api.ConfirmBooking(ctx, lockID, combos, method)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.booking = &b
		if c.timer != nil {
			c.timer.Stop()
		}
		c.state = Confirmed
		c.logger.WithField("booking_id", b.ID).Info("booking confirmed")
		return b, nil
	case errors.Is(err, domain.ErrLockExpired), errors.Is(err, domain.ErrLockNotFound):
		c.dropLock(LockExpired)
		return apiclient.Booking{}, errors.WithSecondaryError(ErrSessionExpired, err)
	}

	c.state = LockHeld
	if !c.clock.Now().Before(c.expiresAt) {
		c.dropLock(LockExpired)
	}
	return apiclient.Booking{}, err
}

// beginConfirm moves a live lock to PaymentPending. The countdown keeps running
// but cannot expire the session while the call is in flight.
func (c *Controller) beginConfirm() (uuid.UUID, []domain.ComboSelection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case LockHeld:
	case LockExpired:
		return uuid.Nil, nil, ErrSessionExpired
	default:
		return uuid.Nil, nil, errors.Wrapf(ErrWrongState, "confirm in %s", c.state)
	}
	if !c.clock.Now().Before(c.expiresAt) {
		c.dropLock(LockExpired)
		return uuid.Nil, nil, ErrSessionExpired
	}
	c.state = PaymentPending
	return c.lockID, c.comboSelections(), nil
}

// Cancel abandons the session and releases a held lock. It is ignored while a
// confirmation is in flight. Release failures are logged only; the server
// reclaims the seats at expiry anyway.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	if c.state == Confirmed || c.state == Cancelled || c.state == PaymentPending {
		c.mu.Unlock()
		return
	}
	lockID := c.lockID
	c.dropLock(Cancelled)
	c.mu.Unlock()

	if lockID != uuid.Nil {
		c.release(ctx, lockID)
	}
}

func (c *Controller) release(ctx context.Context, lockID uuid.UUID) {
	if err := c.api.ReleaseLock(ctx, lockID); err != nil {
		c.logger.WithError(err).WithField("lock_id", lockID).Warn("failed to release lock")
	}
}

// Reset starts over after an expired or cancelled session.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != LockExpired && c.state != Cancelled {
		return
	}
	c.selected = make(map[string]struct{})
	c.combos = make(map[string]int)
	c.conflicting = nil
	c.booking = nil
	c.state = Browsing
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Selected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedLocked()
}

func (c *Controller) Conflicting() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.conflicting...)
}

func (c *Controller) LockID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockID
}

func (c *Controller) SeatStatus(seat string) domain.SeatStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[seat]
}

func (c *Controller) Booking() (apiclient.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.booking == nil {
		return apiclient.Booking{}, false
	}
	return *c.booking, true
}

// settleSelection moves between Browsing and SeatsSelected. Callers hold mu.
func (c *Controller) settleSelection() {
	if len(c.selected) == 0 {
		c.state = Browsing
	} else {
		c.state = SeatsSelected
	}
}

func (c *Controller) dropLock(to State) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.lockID = uuid.Nil
	c.expiresAt = time.Time{}
	c.state = to
}

func (c *Controller) selectedLocked() []string {
	out := make([]string, 0, len(c.selected))
	for seat := range c.selected {
		out = append(out, seat)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) comboSelections() []domain.ComboSelection {
	out := make([]domain.ComboSelection, 0, len(c.combos))
	for id, qty := range c.combos {
		out = append(out, domain.ComboSelection{ComboID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComboID < out[j].ComboID })
	return out
}

func without(seats []string, seat string) []string {
	out := seats[:0]
	for _, s := range seats {
		if s != seat {
			out = append(out, s)
		}
	}
	return out
}
