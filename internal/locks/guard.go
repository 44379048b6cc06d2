package locks

import (
	"context"
	"sync"
)

// Guard serializes lock and booking mutations for one showtime. The store is
// atomic on its own; the guard keeps contending requests from burning
// transaction retries.
type Guard interface {
	Acquire(ctx context.Context, showtimeID string) (release func(), err error)
}

// LocalGuard is an in-process keyed mutex. Entries are reference counted and
// removed when the last holder leaves.
type LocalGuard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{slots: make(map[string]*slot)}
}

func (g *LocalGuard) Acquire(ctx context.Context, showtimeID string) (func(), error) {
	g.mu.Lock()
	s, ok := g.slots[showtimeID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		g.slots[showtimeID] = s
	}
	s.refs++
	g.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		g.leave(showtimeID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			g.leave(showtimeID, s)
		})
	}, nil
}

func (g *LocalGuard) leave(showtimeID string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, showtimeID)
	}
}
