package device

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Admitter bounds how many sequences may hold live cache state at once,
// the same admission primitive the teacher uses to bound concurrent
// decode sequences against a fixed parallel slot count.
type Admitter struct {
	sem *semaphore.Weighted
}

// NewAdmitter creates an Admitter allowing up to maxSequences concurrently
// admitted sequences.
func NewAdmitter(maxSequences int) *Admitter {
	return &Admitter{sem: semaphore.NewWeighted(int64(maxSequences))}
}

// Admit blocks until a slot is free or ctx is cancelled. Release must be
// called exactly once for every successful Admit.
func (a *Admitter) Admit(ctx context.Context) error {
	return a.sem.Acquire(ctx, 1)
}

// TryAdmit attempts to admit without blocking, returning false if no slot
// is currently free.
func (a *Admitter) TryAdmit() bool {
	return a.sem.TryAcquire(1)
}

// Release frees the sequence's slot.
func (a *Admitter) Release() {
	a.sem.Release(1)
}
