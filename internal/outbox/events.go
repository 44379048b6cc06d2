package outbox

import (
	"time"

	"github.com/robertarktes/cinema-seat-booking/internal/domain"
)

func LockEvent(l domain.SeatLock) map[string]interface{} {
	return map[string]interface{}{
		"lock_id":     l.ID,
		"showtime_id": l.ShowtimeID,
		"owner_id":    l.OwnerID,
		"seats":       l.Seats,
		"expires_at":  l.ExpiresAt.Format(time.RFC3339),
		"status":      l.Status,
	}
}

func BookingEvent(b domain.Booking) map[string]interface{} {
	return map[string]interface{}{
		"booking_id":     b.ID,
		"lock_id":        b.LockID,
		"showtime_id":    b.ShowtimeID,
		"owner_id":       b.OwnerID,
		"seats":          b.SeatNumbers(),
		"total":          b.Total,
		"payment_method": b.PaymentMethod,
		"status":         b.Status,
	}
}
