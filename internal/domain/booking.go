package domain

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Quote prices a seat set and combo selection against the catalog. Zero-quantity
// lines are dropped and repeated combo ids are summed.
func Quote(showtime Showtime, seats []string, selections []ComboSelection, combos map[string]Combo) ([]BookedSeat, []ComboLine, int64, error) {
	var total int64

	bookedSeats := make([]BookedSeat, 0, len(seats))
	for _, number := range seats {
		layout, ok := showtime.Seat(number)
		if !ok {
			return nil, nil, 0, errors.Wrapf(ErrInvalidInput, "seat %s is not part of showtime %s", number, showtime.ID)
		}
		price, ok := showtime.Prices[layout.Category]
		if !ok {
			return nil, nil, 0, errors.Wrapf(ErrInvalidInput, "no price for seat category %q", layout.Category)
		}
		bookedSeats = append(bookedSeats, BookedSeat{Number: number, Category: layout.Category, Price: price})
		total += price
	}

	quantities := make(map[string]int)
	for _, sel := range selections {
		if sel.Quantity < 0 {
			return nil, nil, 0, errors.Wrapf(ErrInvalidInput, "negative quantity for combo %s", sel.ComboID)
		}
		if sel.Quantity == 0 {
			continue
		}
		quantities[sel.ComboID] += sel.Quantity
	}

	lines := make([]ComboLine, 0, len(quantities))
	for id, qty := range quantities {
		combo, ok := combos[id]
		if !ok || !combo.Active {
			return nil, nil, 0, errors.Wrapf(ErrInvalidInput, "unknown combo %s", id)
		}
		lines = append(lines, ComboLine{ComboID: id, Name: combo.Name, UnitPrice: combo.Price, Quantity: qty})
		total += combo.Price * int64(qty)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ComboID < lines[j].ComboID })

	return bookedSeats, lines, total, nil
}

// NewBooking builds the pending booking that consumes lock.
func NewBooking(lock SeatLock, seats []BookedSeat, combos []ComboLine, total int64, method PaymentMethod, now time.Time) Booking {
	return Booking{
		ID:            uuid.New(),
		LockID:        lock.ID,
		ShowtimeID:    lock.ShowtimeID,
		OwnerID:       lock.OwnerID,
		Seats:         seats,
		Combos:        combos,
		PaymentMethod: method,
		Total:         total,
		Status:        BookingPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to BookingStatus) bool {
	switch from {
	case BookingPending:
		return to == BookingConfirmed || to == BookingCancelled
	case BookingConfirmed:
		return to == BookingCancelled
	}
	return false
}
