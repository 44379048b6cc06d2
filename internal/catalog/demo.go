package catalog

import (
	"time"

	"github.com/robertarktes/cinema-seat-booking/internal/domain"
)

const DemoShowtimeID = "demo-showtime"

// Demo returns a static catalog with one 9x14 hall showtime and a few combos,
// for running the API without Mongo.
func Demo(now time.Time) *Static {
	s := NewStatic()
	starts := now.Truncate(time.Hour).Add(3 * time.Hour)
	s.PutShowtime(domain.Showtime{
		ID:         DemoShowtimeID,
		MovieID:    "demo-movie",
		MovieTitle: "Demo Movie",
		CinemaName: "Demo Cinema",
		HallName:   "Hall 1",
		StartsAt:   starts,
		EndsAt:     starts.Add(2 * time.Hour),
		Prices: map[domain.SeatCategory]int64{
			domain.SeatRegular: 100000,
			domain.SeatVIP:     150000,
		},
		Seats: GridLayout(9, 14, []int{2, 10}, []int{4, 5}),
	})
	s.PutCombo(domain.Combo{ID: "popcorn-single", Name: "Popcorn + Drink", Price: 79000, Active: true})
	s.PutCombo(domain.Combo{ID: "popcorn-couple", Name: "Large Popcorn + 2 Drinks", Price: 109000, Active: true})
	return s
}
