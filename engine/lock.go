/*
lock.go - Process-wide mutual exclusion with bounded wait

All mutating operations across the redemption, points, and binding
orchestrators serialize through a single Coordinator. This is deliberately
coarse-grained: one lock for the whole engine, not per row or per sku.
Uniqueness invariants (one token per session, one done entry per session,
one active binding per key) rest entirely on this serialization, so the
stores need no per-row concurrency tokens.

The payment verifier is called inside the critical section. That closes the
race between "check payment" and "mutate state" at the cost of holding the
lock across a network round trip - an accepted tradeoff at this volume.
*/
package engine

import (
	"context"
	"sync"
	"time"
)

// DefaultLockWait bounds how long a mutating operation waits for the lock
// before failing with ErrBusy.
const DefaultLockWait = 10 * time.Second

// Coordinator is the process-wide mutual-exclusion primitive. The zero value
// is not usable; construct with NewCoordinator.
type Coordinator struct {
	sem  chan struct{}
	wait time.Duration
}

// NewCoordinator returns a Coordinator with the given bounded wait.
// Non-positive wait falls back to DefaultLockWait.
func NewCoordinator(wait time.Duration) *Coordinator {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &Coordinator{
		sem:  make(chan struct{}, 1),
		wait: wait,
	}
}

// Acquire blocks until the lock is held, the bounded wait elapses, or ctx is
// canceled. On success it returns a release func that is safe to call more
// than once; callers must defer it so the lock is released on every exit
// path. A timeout returns ErrBusy; the caller's own cancellation surfaces
// as ctx.Err() so it is not mistaken for lock contention. Either way
// nothing was acquired.
func (c *Coordinator) Acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(c.wait)
	defer timer.Stop()

	select {
	case c.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-c.sem })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrBusy
	}
}
