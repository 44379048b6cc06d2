// Package catalog is the read-only view of showtimes, seat layouts, price tables
// and combos that the booking core consumes.
package catalog

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
)

type Catalog interface {
	Showtime(ctx context.Context, id string) (domain.Showtime, error)
	Combos(ctx context.Context, ids []string) (map[string]domain.Combo, error)
	ActiveCombos(ctx context.Context) ([]domain.Combo, error)
}

// Static is an in-memory catalog for development and tests.
type Static struct {
	mu        sync.RWMutex
	showtimes map[string]domain.Showtime
	combos    map[string]domain.Combo
}

func NewStatic() *Static {
	return &Static{
		showtimes: make(map[string]domain.Showtime),
		combos:    make(map[string]domain.Combo),
	}
}

func (s *Static) PutShowtime(st domain.Showtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.showtimes[st.ID] = st
}

func (s *Static) PutCombo(c domain.Combo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.combos[c.ID] = c
}

func (s *Static) Showtime(_ context.Context, id string) (domain.Showtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.showtimes[id]
	if !ok {
		return domain.Showtime{}, errors.Wrapf(domain.ErrNotFound, "showtime %s", id)
	}
	return st, nil
}

func (s *Static) Combos(_ context.Context, ids []string) (map[string]domain.Combo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Combo, len(ids))
	for _, id := range ids {
		if c, ok := s.combos[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *Static) ActiveCombos(_ context.Context) ([]domain.Combo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Combo
	for _, c := range s.combos {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GridLayout builds rows×cols seats named A1, A2, ... skipping aisle columns.
// Rows listed in vipRows (1-based) get the vip category.
func GridLayout(rows, cols int, aisles []int, vipRows []int) []domain.SeatLayout {
	isAisle := make(map[int]bool, len(aisles))
	for _, a := range aisles {
		isAisle[a] = true
	}
	isVIP := make(map[int]bool, len(vipRows))
	for _, r := range vipRows {
		isVIP[r] = true
	}

	var seats []domain.SeatLayout
	for r := 1; r <= rows; r++ {
		category := domain.SeatRegular
		if isVIP[r] {
			category = domain.SeatVIP
		}
		for c := 1; c <= cols; c++ {
			if isAisle[c] {
				continue
			}
			seats = append(seats, domain.SeatLayout{
				Number:   string(rune('A'+r-1)) + strconv.Itoa(c),
				Category: category,
			})
		}
	}
	return seats
}
