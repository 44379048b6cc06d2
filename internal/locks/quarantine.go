package locks

import (
	"context"
	"sync"
)

// Quarantine records showtimes halted after an integrity violation. Every
// process serving the same store must share one.
type Quarantine interface {
	Halt(ctx context.Context, showtimeID, reason string) (bool, error)
	Reason(ctx context.Context, showtimeID string) (string, bool, error)
	Lift(ctx context.Context, showtimeID string) (bool, error)
}

// LocalQuarantine keeps the halt set in memory. It is only correct for a single
// process running on the in-memory store.
type LocalQuarantine struct {
	mu     sync.RWMutex
	halted map[string]string
}

func NewLocalQuarantine() *LocalQuarantine {
	return &LocalQuarantine{halted: make(map[string]string)}
}

func (q *LocalQuarantine) Halt(_ context.Context, showtimeID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.halted[showtimeID]; ok {
		return false, nil
	}
	q.halted[showtimeID] = reason
	return true, nil
}

func (q *LocalQuarantine) Reason(_ context.Context, showtimeID string) (string, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	reason, ok := q.halted[showtimeID]
	return reason, ok, nil
}

func (q *LocalQuarantine) Lift(_ context.Context, showtimeID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.halted[showtimeID]
	delete(q.halted, showtimeID)
	return ok, nil
}
