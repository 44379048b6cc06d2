package domain

import (
	"time"

	"github.com/google/uuid"
)

type SeatCategory string

const (
	SeatRegular SeatCategory = "regular"
	SeatVIP     SeatCategory = "vip"
	SeatCouple  SeatCategory = "couple"
)

type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatLocked    SeatStatus = "locked"
	SeatOccupied  SeatStatus = "occupied"
)

type LockStatus string

const (
	LockActive   LockStatus = "ACTIVE"
	LockReleased LockStatus = "RELEASED"
	LockConsumed LockStatus = "CONSUMED"
	LockExpired  LockStatus = "EXPIRED"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentMoMo  PaymentMethod = "momo"
	PaymentVNPay PaymentMethod = "vnpay"
	PaymentVisa  PaymentMethod = "visa"
	PaymentCard  PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMoMo, PaymentVNPay, PaymentVisa, PaymentCard:
		return true
	}
	return false
}

type SeatLayout struct {
	Number   string
	Category SeatCategory
}

// Showtime is the catalog view of one screening. Prices are integer currency units.
type Showtime struct {
	ID         string
	MovieID    string
	MovieTitle string
	CinemaName string
	HallName   string
	StartsAt   time.Time
	EndsAt     time.Time
	Prices     map[SeatCategory]int64
	Seats      []SeatLayout
}

func (s Showtime) Seat(number string) (SeatLayout, bool) {
	for _, seat := range s.Seats {
		if seat.Number == number {
			return seat, true
		}
	}
	return SeatLayout{}, false
}

type Combo struct {
	ID     string
	Name   string
	Price  int64
	Active bool
}

type ComboSelection struct {
	ComboID  string `json:"combo_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

type SeatLock struct {
	ID         uuid.UUID
	ShowtimeID string
	Seats      []string
	OwnerID    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     LockStatus
}

type BookedSeat struct {
	Number   string       `json:"seat_number"`
	Category SeatCategory `json:"category"`
	Price    int64        `json:"price"`
}

type ComboLine struct {
	ComboID   string `json:"combo_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type Booking struct {
	ID            uuid.UUID
	LockID        uuid.UUID
	ShowtimeID    string
	OwnerID       string
	Seats         []BookedSeat
	Combos        []ComboLine
	PaymentMethod PaymentMethod
	Total         int64
	Status        BookingStatus
	PaymentRef    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (b Booking) SeatNumbers() []string {
	out := make([]string, len(b.Seats))
	for i, s := range b.Seats {
		out[i] = s.Number
	}
	return out
}

// Live bookings occupy their seats.
func (b Booking) Live() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed
}

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentResult is a gateway outcome that reached us through a verified channel.
type PaymentResult struct {
	BookingID     uuid.UUID     `json:"booking_id" validate:"required"`
	Status        PaymentStatus `json:"status" validate:"required,oneof=succeeded failed"`
	TransactionID string        `json:"transaction_id" validate:"required"`
	Amount        int64         `json:"amount" validate:"gte=0"`
}
