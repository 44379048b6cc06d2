package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Snapshot is a consistent read of everything that can claim a seat of one showtime.
type Snapshot struct {
	ShowtimeID string
	Locks      []SeatLock
	Bookings   []Booking
}

type SeatMap struct {
	ShowtimeID string
	Statuses   map[string]SeatStatus
	TakenAt    time.Time
}

// DeriveSeatStatuses computes every layout seat's status from the snapshot. Any seat
// claimed twice is reported as ErrIntegrity; the caller must not pick a winner.
func DeriveSeatStatuses(showtime Showtime, snap Snapshot, now time.Time) (SeatMap, error) {
	statuses := make(map[string]SeatStatus, len(showtime.Seats))
	for _, seat := range showtime.Seats {
		statuses[seat.Number] = SeatAvailable
	}

	claimedBy := make(map[string]string)
	claim := func(seat, holder string) error {
		if prev, ok := claimedBy[seat]; ok {
			return errors.Wrapf(ErrIntegrity, "showtime %s seat %s claimed by %s and %s", showtime.ID, seat, prev, holder)
		}
		claimedBy[seat] = holder
		return nil
	}

	for _, b := range snap.Bookings {
		if !b.Live() {
			continue
		}
		for _, seat := range b.SeatNumbers() {
			if err := claim(seat, "booking "+b.ID.String()); err != nil {
				return SeatMap{}, err
			}
			statuses[seat] = SeatOccupied
		}
	}
	for _, l := range snap.Locks {
		if !l.Active(now) {
			continue
		}
		for _, seat := range l.Seats {
			if err := claim(seat, "lock "+l.ID.String()); err != nil {
				return SeatMap{}, err
			}
			statuses[seat] = SeatLocked
		}
	}

	return SeatMap{ShowtimeID: showtime.ID, Statuses: statuses, TakenAt: now}, nil
}
