package region

import (
	"github.com/kolkov/dvstm/internal/stm/access"
	"github.com/kolkov/dvstm/internal/stm/addr"
	"github.com/kolkov/dvstm/internal/stm/batcher"
	"github.com/kolkov/dvstm/internal/stm/metrics"
	"github.com/kolkov/dvstm/internal/stm/oplog"
)

// InvalidTx is returned by Begin when read/write capacity is exhausted.
const InvalidTx = batcher.Invalid

// AllocStatus is the outcome of Alloc.
type AllocStatus int

const (
	// AllocSuccess: the segment was allocated; the transaction continues.
	AllocSuccess AllocStatus = iota
	// AllocNoMem: the host allocator failed; the transaction has aborted.
	AllocNoMem
	// AllocAbort: the segment table is full; the transaction has aborted.
	AllocAbort
)

// Begin admits a new transaction and returns its id.
//
// It blocks until the transaction's epoch starts. The only failure is
// read/write capacity exhaustion, reported as InvalidTx; a caller holding
// InvalidTx has not entered the batch and must not call End.
func (r *Region) Begin(readOnly bool) uint64 {
	tx := r.batcher.Enter(readOnly)
	if tx == InvalidTx {
		r.met.IncAborts(metrics.CauseCapacity)
	}
	return tx
}

// End commits the transaction. It always succeeds: a transaction that
// reaches End has had every operation succeed, and commit is the absence
// of an abort.
func (r *Region) End(tx uint64) bool {
	r.leave(tx, true)
	r.met.IncCommits()
	return true
}

// Read copies len(dst) bytes of shared memory starting at src into dst.
//
// Read-only transactions copy from the epoch snapshot with no
// synchronization. Read/write transactions go through the access-set
// protocol and read the working version, so they observe their own prior
// writes. Returns false if the transaction had to abort; the caller must
// then drop the transaction without calling End.
func (r *Region) Read(tx uint64, src addr.Addr, dst []byte) bool {
	offset := src.Offset()
	n := uint64(len(dst))

	sn := r.segmentAt(src)
	if sn == nil || !r.validRange(sn.Size(), offset, n) {
		r.abort(tx, metrics.CauseInvalid)
		return false
	}

	if tx >= access.MaxRWTx {
		sn.ReadRO(offset, n, dst)
		return true
	}

	if !sn.Read(access.Bit(tx), offset, n, dst) {
		r.abort(tx, metrics.CauseConflict)
		return false
	}
	r.logs[tx].AppendRW(oplog.Read, sn.ID(), offset, n)
	return true
}

// Write copies src into shared memory starting at dst.
//
// Only read/write transactions may write. Returns false if the transaction
// had to abort.
func (r *Region) Write(tx uint64, src []byte, dst addr.Addr) bool {
	if tx >= access.MaxRWTx {
		r.abort(tx, metrics.CauseInvalid)
		return false
	}
	offset := dst.Offset()
	n := uint64(len(src))

	sn := r.segmentAt(dst)
	if sn == nil || !r.validRange(sn.Size(), offset, n) {
		r.abort(tx, metrics.CauseInvalid)
		return false
	}

	if !sn.Write(access.Bit(tx), offset, n, src) {
		r.abort(tx, metrics.CauseConflict)
		return false
	}
	r.logs[tx].AppendRW(oplog.Write, sn.ID(), offset, n)
	return true
}

// Alloc creates a new segment of the given byte size inside the
// transaction and returns its opaque base address.
//
// On AllocNoMem and AllocAbort the transaction has already aborted and the
// caller must not call End. The new segment only survives the epoch if the
// transaction commits: an aborted allocation is reclaimed at the boundary.
func (r *Region) Alloc(tx uint64, size uint64) (addr.Addr, AllocStatus) {
	if tx >= access.MaxRWTx {
		r.abort(tx, metrics.CauseInvalid)
		return 0, AllocAbort
	}

	if size == 0 || size%r.align != 0 {
		r.abort(tx, metrics.CauseInvalid)
		return 0, AllocAbort
	}

	a := r.allocSegment(size, false)
	switch a {
	case addr.NoMem:
		r.abort(tx, metrics.CauseNoMem)
		return 0, AllocNoMem
	case addr.SegOverflow:
		r.abort(tx, metrics.CauseCapacity)
		return 0, AllocAbort
	}

	r.logs[tx].AppendSeg(oplog.Alloc, a.Seg())
	r.met.IncSegmentAlloc()
	return a, AllocSuccess
}

// Free marks the segment holding target for deallocation when the
// transaction commits. The actual reclamation is deferred to the epoch
// boundary, so concurrent transactions of the same epoch are undisturbed.
//
// The first segment is not freeable; attempting to free it, or passing an
// address outside any live segment, aborts the transaction.
func (r *Region) Free(tx uint64, target addr.Addr) bool {
	if tx >= access.MaxRWTx {
		r.abort(tx, metrics.CauseInvalid)
		return false
	}
	if target.Seg() == FirstSeg {
		r.abort(tx, metrics.CauseInvalid)
		return false
	}
	sn := r.segmentAt(target)
	if sn == nil {
		r.abort(tx, metrics.CauseInvalid)
		return false
	}

	r.logs[tx].AppendSeg(oplog.Free, sn.ID())
	return true
}

// validRange reports whether [offset, offset+n) is a word-aligned,
// word-sized range inside a segment of the given size.
func (r *Region) validRange(segSize, offset, n uint64) bool {
	if n == 0 || n%r.align != 0 || offset%r.align != 0 {
		return false
	}
	return offset+n >= offset && offset+n <= segSize
}

// abort performs the internal leave-with-abort paired with every failing
// operation.
func (r *Region) abort(tx uint64, cause string) {
	r.leave(tx, false)
	r.met.IncAborts(cause)
}

// leave retires the transaction from its epoch.
//
// For a read/write transaction the operation log is walked first, oldest
// record first: an abort rolls back every effect (restore written ranges
// from the snapshot, clear access-set bits, condemn aborted allocations),
// a commit finalizes them (flag written segments, condemn freed ones).
// Only then does the transaction leave the batcher, possibly triggering
// the end-of-epoch procedure.
func (r *Region) leave(tx uint64, committed bool) {
	if tx < access.MaxRWTx {
		bit := access.Bit(tx)
		for _, rec := range r.logs[tx].Records() {
			sn := r.segments[rec.Seg].Load()
			switch rec.Kind {
			case oplog.Read:
				if !committed {
					sn.RollbackRead(bit, rec.Offset, rec.Size)
				}
			case oplog.Write:
				if committed {
					sn.MarkWritten()
				} else {
					sn.RollbackWrite(rec.Offset, rec.Size)
				}
			case oplog.Alloc:
				if !committed {
					sn.MarkFreed()
				}
			case oplog.Free:
				if committed {
					sn.MarkFreed()
				}
			}
		}
		r.logs[tx].Reset()
	}
	r.batcher.Leave(r.endOfEpoch)
}
