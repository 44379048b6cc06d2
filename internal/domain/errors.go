package domain

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrLockExpired          = errors.New("lock expired")
	ErrLockNotFound         = errors.New("lock not found")
	ErrNotOwner             = errors.New("not owner")
	ErrAlreadyConsumed      = errors.New("lock already consumed")
	ErrPaymentFailed        = errors.New("payment failed")
	ErrInvalidTransition    = errors.New("invalid booking status transition")
	ErrIntegrity            = errors.New("seat integrity violation")
	ErrShowtimeHalted       = errors.New("showtime halted after integrity violation")
)

// ConflictError reports the requested seats that were already locked or booked.
type ConflictError struct {
	ShowtimeID string
	Seats      []string
}

func (e *ConflictError) Error() string {
	return "seats unavailable: " + strings.Join(e.Seats, ", ")
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflict returns a ConflictError with the seats sorted.
func NewConflict(showtimeID string, seats []string) *ConflictError {
	return &ConflictError{ShowtimeID: showtimeID, Seats: NormalizeSeats(seats)}
}
