// Package fsutil provides bounded-concurrency wrappers over file
// operations, glob expansion, atomic writes, and output cleaning — the
// file-system adapter component of spec.md §2, consumed by the
// fingerprint engine, the cache backends, and the executor.
package fsutil

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore, used for spec.md §5's file-descriptor
// budget and for the executor's parallelism limit. Of the file operations,
// only fingerprint digesting acquires a token; glob expansion, atomic
// writes, cleaning and cache I/O open files without one.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a Gate with the given budget. budget <= 0 means
// unbounded (config.Unbounded).
func NewGate(budget int) *Gate {
	if budget <= 0 {
		budget = math.MaxInt32
	}
	return &Gate{sem: semaphore.NewWeighted(int64(budget))}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}
