// Package spinflag implements the test-and-set spin lock guarding per-word
// access sets.
//
// The DV-STM engine takes one of these flags per shared word, so the
// primitive must be as small as an atomic boolean and must never allocate.
// Critical sections under a Flag are a handful of loads and stores (a
// conflict check plus a bounded copy), which is why spinning beats parking:
// the expected hold time is far below the cost of a futex round trip.
//
// Acquire spins with a short busy phase before yielding the processor, so a
// holder preempted on a single-P runtime cannot starve its waiters.
package spinflag

import (
	"runtime"
	"sync/atomic"
)

// spinBudget is the number of failed CAS attempts before a waiter yields.
const spinBudget = 64

// Flag is a spin lock over a single atomic word.
//
// The zero value is an unlocked flag, ready for use. A Flag must not be
// copied after first use.
type Flag struct {
	v atomic.Bool
}

// Acquire spins until the flag is taken by the caller.
//
// Lock ordering is the caller's responsibility: the engine always acquires
// word flags in ascending word-index order and releases them before
// returning to the user, which is what keeps the protocol deadlock-free.
func (f *Flag) Acquire() {
	spins := 0
	for !f.v.CompareAndSwap(false, true) {
		spins++
		if spins >= spinBudget {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryAcquire takes the flag if it is free and reports whether it did.
func (f *Flag) TryAcquire() bool {
	return f.v.CompareAndSwap(false, true)
}

// Release frees the flag. Must only be called by the current holder.
func (f *Flag) Release() {
	f.v.Store(false)
}

// Held reports a racy snapshot of the flag state. Only useful for tests
// and assertions; the answer may be stale by the time it is returned.
func (f *Flag) Held() bool {
	return f.v.Load()
}
