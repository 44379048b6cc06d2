package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewSeatLock(showtimeID string, seats []string, ownerID string, now time.Time, ttl time.Duration) SeatLock {
	return SeatLock{
		ID:         uuid.New(),
		ShowtimeID: showtimeID,
		Seats:      NormalizeSeats(seats),
		OwnerID:    ownerID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Status:     LockActive,
	}
}

// Active reports whether the lock is still exclusive at now.
func (l SeatLock) Active(now time.Time) bool {
	return l.Status == LockActive && now.Before(l.ExpiresAt)
}

// Remaining is the time left before expiry, rounded up to whole seconds.
func (l SeatLock) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

// NormalizeSeats trims, upper-cases, de-duplicates and sorts seat numbers.
func NormalizeSeats(seats []string) []string {
	seen := make(map[string]struct{}, len(seats))
	out := make([]string, 0, len(seats))
	for _, s := range seats {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
