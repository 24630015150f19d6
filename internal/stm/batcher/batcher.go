// Package batcher implements the epoch batcher that admits transactions in
// cohorts.
//
// All transactions running at any instant belong to the same epoch. The
// first transaction to arrive at an idle batcher starts an epoch alone;
// every later arrival is assigned its transaction id immediately but parks
// until the running cohort drains. When the last member of the epoch
// leaves, it performs the region's end-of-epoch work (snapshot
// installation, segment reclamation) while still holding the batcher lock,
// then releases every parked thread as the next cohort.
//
// Waiters park on the predicate "the epoch I observed at admission is still
// current", not on the outstanding count: by the time a waiter wakes, the
// next epoch's count has already been re-initialized from the blocked
// count, so a count-based predicate would be satisfied at the wrong time.
package batcher

import (
	"sync"

	"github.com/kolkov/dvstm/internal/stm/access"
)

// Invalid is the transaction id returned when read/write admission is
// rejected. A caller holding Invalid never entered the batch and must not
// leave it.
const Invalid = ^uint64(0)

// Batcher coordinates epoch-batched admission for one region.
type Batcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	// epoch counts completed cohorts; it only ever grows.
	epoch uint64

	// rwNext and roNext are the next transaction ids to hand out in the
	// cohort currently being formed. Read/write ids run 0..MaxRWTx-1;
	// read-only ids start at MaxRWTx and are unbounded.
	rwNext uint64
	roNext uint64

	// remaining counts transactions still inside the current epoch;
	// blocked counts threads parked for the next one.
	remaining uint64
	blocked   uint64
}

// New returns an idle batcher at epoch zero.
func New() *Batcher {
	b := &Batcher{roNext: access.MaxRWTx}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enter admits the caller into an epoch and returns its transaction id.
//
// A read-only caller always gets an id >= access.MaxRWTx. A read/write
// caller gets the next free id below access.MaxRWTx, or Invalid once
// MaxRWTx read/write ids have been handed out since the last epoch boundary
// (an id taken by a caller that started an idle batcher counts too); a
// rejected caller has no footprint in the batcher.
//
// If an epoch is in flight, Enter blocks until that epoch drains and the
// caller's cohort is released together.
func (b *Batcher) Enter(readOnly bool) uint64 {
	b.mu.Lock()
	snapshot := b.epoch

	var tx uint64
	if readOnly {
		tx = b.roNext
		b.roNext++
	} else if b.rwNext == access.MaxRWTx {
		b.mu.Unlock()
		return Invalid
	} else {
		tx = b.rwNext
		b.rwNext++
	}

	if b.remaining == 0 {
		// Idle batcher: start the epoch alone, no parking.
		b.remaining = 1
		b.mu.Unlock()
		return tx
	}

	b.blocked++
	for b.epoch == snapshot {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return tx
}

// Leave retires one transaction from the current epoch.
//
// The last transaction out runs atBoundary under the batcher lock; the
// single-threaded boundary window is exactly that call. Afterwards the
// parked cohort becomes the next epoch's population and is broadcast
// awake.
func (b *Batcher) Leave(atBoundary func()) {
	b.mu.Lock()
	b.remaining--
	if b.remaining == 0 {
		if atBoundary != nil {
			atBoundary()
		}
		b.remaining = b.blocked
		b.blocked = 0
		b.rwNext = 0
		b.roNext = access.MaxRWTx
		b.epoch++
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Epoch returns the current epoch counter.
func (b *Batcher) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Remaining returns the number of transactions still inside the current
// epoch.
func (b *Batcher) Remaining() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Blocked returns the number of threads parked for the next epoch.
func (b *Batcher) Blocked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}
