package registry

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// guard is a mutual-exclusion lock whose acquisition can be bounded.
type guard = semaphore.Weighted

func newGuard() *guard { return semaphore.NewWeighted(1) }

// acquire takes g, waiting at most timeout. The returned error wraps
// ErrLockTimeout.
func acquire(ctx context.Context, g *guard, timeout time.Duration) error {
	if g.TryAcquire(1) {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.Acquire(lctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return nil
}

// acquireRelease takes g without a deadline. It is only used for O(1)
// critical sections that must not be skipped, such as giving back an
// admission slot.
func acquireRelease(g *guard) {
	_ = g.Acquire(context.Background(), 1)
}

// roomLockLocked returns the guard for roomID, creating it on first
// reference. The caller holds r.global. Room guards are never removed, so a
// room that empties and refills keeps the same guard.
func (r *Registry) roomLockLocked(roomID string) *guard {
	if g, ok := r.existingRoomLock(roomID); ok {
		return g
	}
	g := newGuard()
	r.locks.Store(roomID, g)
	return g
}

func (r *Registry) existingRoomLock(roomID string) (*guard, bool) {
	v, ok := r.locks.Load(roomID)
	if !ok {
		return nil, false
	}
	return v.(*guard), true
}
