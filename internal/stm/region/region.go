// Package region implements the shared memory region: the engine that ties
// the batcher, the segment table and the per-transaction operation logs
// into one transactional memory instance.
//
// A region owns a fixed table of up to 63 live segments (slot 0 is never
// used, so the first segment's handle is distinguishable from zero), a
// stack of reusable segment ids, and one operation log per read/write
// transaction id. User threads drive it through Begin/End and the four
// transactional operations; the region itself never creates threads.
package region

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kolkov/dvstm/internal/stm/access"
	"github.com/kolkov/dvstm/internal/stm/addr"
	"github.com/kolkov/dvstm/internal/stm/batcher"
	"github.com/kolkov/dvstm/internal/stm/metrics"
	"github.com/kolkov/dvstm/internal/stm/oplog"
	"github.com/kolkov/dvstm/internal/stm/segment"
	"github.com/kolkov/dvstm/internal/stm/spinflag"
)

const (
	// MaxSeg is the size of the segment table. Slot 0 is unused, so a
	// region holds at most MaxSeg-1 live segments.
	MaxSeg = 64

	// FirstSeg is the id of the non-freeable first segment.
	FirstSeg = 1
)

// Region is one transactional memory instance.
type Region struct {
	batcher *batcher.Batcher

	align uint64
	size  uint64
	start addr.Addr

	// segments[i] holds the live segment with id i, or nil. Stores happen
	// either inside a transaction that has not yet published the handle,
	// or in the single-threaded boundary window; loads may race with the
	// former, hence the atomic pointers.
	segments [MaxSeg]atomic.Pointer[segment.Segment]

	// idStack[top..MaxSeg) are the ids not currently backing a live
	// segment: allocation takes idStack[top] and increments top, and
	// reclamation decrements top and stores the freed id there. topLock
	// guards both.
	topLock spinflag.Flag
	top     int
	idStack [MaxSeg]uint8

	// logs[tx] is the operation history of read/write transaction tx in
	// the current epoch. Each slot is touched only by the single
	// transaction holding that id, plus the boundary window.
	logs [access.MaxRWTx]oplog.Log

	logger *zap.Logger
	met    *metrics.Metrics
}

// New creates a region whose first, non-freeable segment has the given
// byte size and alignment. The alignment is the shared word size: the unit
// of conflict detection for every segment of the region.
func New(size, align uint64, logger *zap.Logger, met *metrics.Metrics) (*Region, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, errors.Errorf("region: alignment %d is not a power of two", align)
	}
	if size == 0 || size%align != 0 {
		return nil, errors.Errorf("region: size %d is not a positive multiple of alignment %d", size, align)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Region{
		batcher: batcher.New(),
		align:   align,
		size:    size,
		logger:  logger,
		met:     met,
	}
	for i := range r.idStack {
		r.idStack[i] = uint8(i)
	}
	r.top = FirstSeg

	first := r.allocSegment(size, true)
	if !first.Valid() {
		return nil, errors.New("region: first segment allocation failed")
	}
	r.start = first

	logger.Debug("region created",
		zap.Uint64("size", size),
		zap.Uint64("align", align))
	return r, nil
}

// Destroy releases the region's segments and logs. The caller must ensure
// no transaction is running.
func (r *Region) Destroy() {
	for i := FirstSeg; i < MaxSeg; i++ {
		r.segments[i].Store(nil)
	}
	for i := range r.logs {
		r.logs[i].Reset()
	}
	r.logger.Debug("region destroyed")
}

// Start returns the opaque handle of the first segment.
func (r *Region) Start() addr.Addr { return r.start }

// Size returns the byte size of the first segment.
func (r *Region) Size() uint64 { return r.size }

// Align returns the region's word size.
func (r *Region) Align() uint64 { return r.align }

// Epoch returns the batcher's epoch counter.
func (r *Region) Epoch() uint64 { return r.batcher.Epoch() }

// allocSegment carves a new zeroed segment and registers it in the table.
//
// It returns the segment's opaque base address, or addr.SegOverflow when
// all ids are taken. It never returns addr.NoMem: a failed Go allocation
// does not return to the caller, so no id is pushed back for it. The
// segment is stored in the table before the address is returned, so any transaction
// that observes the handle also observes an initialized segment.
func (r *Region) allocSegment(size uint64, first bool) addr.Addr {
	var id uint8
	r.topLock.Acquire()
	if first {
		id = FirstSeg
		r.top = FirstSeg + 1
	} else if r.top >= MaxSeg {
		r.topLock.Release()
		return addr.SegOverflow
	} else {
		id = r.idStack[r.top]
		r.top++
	}
	r.topLock.Release()

	sn := segment.New(id, size, r.align)
	r.segments[id].Store(sn)
	return addr.New(id, 0)
}

// reclaim returns a segment id to the free stack. Called only from the
// boundary window.
func (r *Region) reclaim(id uint8) {
	r.topLock.Acquire()
	r.top--
	r.idStack[r.top] = id
	r.topLock.Release()
}

// endOfEpoch is the procedure run by the last transaction to leave an
// epoch, under the batcher lock: reclaim condemned segments, install
// written segments into the snapshot, and reset all per-epoch metadata.
func (r *Region) endOfEpoch() {
	for i := FirstSeg; i < MaxSeg; i++ {
		sn := r.segments[i].Load()
		if sn == nil {
			continue
		}
		if sn.Freed() {
			r.segments[i].Store(nil)
			r.reclaim(uint8(i))
			r.met.IncSegmentFree()
			continue
		}
		if sn.Written() {
			r.met.AddInstalled(sn.Install())
		}
		sn.ResetAccess()
	}
	for i := range r.logs {
		r.logs[i].Reset()
	}
	r.met.IncEpochs()
}

// segmentAt loads the live segment for an opaque address, or nil.
func (r *Region) segmentAt(a addr.Addr) *segment.Segment {
	if !a.Valid() {
		return nil
	}
	return r.segments[a.Seg()].Load()
}
