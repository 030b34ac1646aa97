package messagepipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of batch operations in flight. A waiting caller is
// admitted as soon as any in-flight operation releases its slot, whichever
// completes first. The gate never fails an operation itself; only the
// caller's context can abort a wait.
type Gate struct {
	max      int
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewGate creates a gate admitting at most maxConcurrent operations.
// Values below 1 are treated as 1.
func NewGate(maxConcurrent int) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		max: maxConcurrent,
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release frees a slot. It must be called exactly once per successful Acquire,
// whether the operation succeeded or failed.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Run executes fn inside a slot and always releases it.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// InFlight returns the number of operations currently holding a slot.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak returns the highest InFlight value observed.
func (g *Gate) Peak() int { return int(g.peak.Load()) }

// Max returns the configured bound.
func (g *Gate) Max() int { return g.max }
