// Package segment implements the dual-versioned word store.
//
// A segment owns two equal-size copies of its memory: a read-only copy
// holding the snapshot installed at the last epoch boundary, and a
// read/write copy that read/write transactions mutate during the current
// epoch. Alongside the data it keeps one access-set word and one spin flag
// per shared word; all conflict decisions and access-set updates for a word
// happen under that word's flag.
//
// Read-only transactions copy straight out of the read-only version with no
// synchronization at all: the snapshot cannot change while any transaction
// of the epoch is still inside the batch.
package segment

import (
	"sync/atomic"

	"github.com/kolkov/dvstm/internal/stm/access"
	"github.com/kolkov/dvstm/internal/stm/spinflag"
)

// Segment is one contiguous allocation inside a region.
//
// The zero value is not usable; construct with New.
type Segment struct {
	id    uint8
	size  uint64
	align uint64

	// freed is set when a committed free or an aborted alloc condemns the
	// segment; the end-of-epoch procedure reclaims it.
	freed atomic.Bool

	// written is set during commit finalization of any transaction that
	// wrote the segment; it tells the end-of-epoch procedure that the
	// read/write copy must be installed as the next snapshot.
	written atomic.Bool

	// locks[w] guards aset[w] and the bytes of word w in rw.
	locks []spinflag.Flag
	aset  []uint64

	ro []byte // snapshot copy, mutated only at the epoch boundary
	rw []byte // working copy, mutated by at most one writer per word
}

// New allocates a zeroed segment of the given byte size. size must be a
// positive multiple of align.
func New(id uint8, size, align uint64) *Segment {
	words := size / align
	return &Segment{
		id:    id,
		size:  size,
		align: align,
		locks: make([]spinflag.Flag, words),
		aset:  make([]uint64, words),
		ro:    make([]byte, size),
		rw:    make([]byte, size),
	}
}

// ID returns the segment id (1..63).
func (s *Segment) ID() uint8 { return s.id }

// Size returns the segment's byte length.
func (s *Segment) Size() uint64 { return s.size }

// Words returns the number of shared words in the segment.
func (s *Segment) Words() int { return len(s.aset) }

// MarkFreed condemns the segment for reclamation at the epoch boundary.
func (s *Segment) MarkFreed() { s.freed.Store(true) }

// Freed reports whether the segment is condemned.
func (s *Segment) Freed() bool { return s.freed.Load() }

// MarkWritten flags the segment for snapshot installation.
func (s *Segment) MarkWritten() { s.written.Store(true) }

// Written reports whether any committed transaction wrote the segment this
// epoch.
func (s *Segment) Written() bool { return s.written.Load() }

// ReadRO copies n bytes at offset from the read-only snapshot into dst.
// Used by read-only transactions; requires no locks.
func (s *Segment) ReadRO(offset, n uint64, dst []byte) {
	copy(dst, s.ro[offset:offset+n])
}

// Read performs a read/write transaction's read of n bytes at offset.
//
// It locks the covered words in ascending order, aborts if any word was
// written by a different transaction, otherwise records the caller in each
// word's access set and copies from the read/write version. Reports
// whether the read succeeded; on false the caller's transaction must
// abort.
func (s *Segment) Read(bit uint64, offset, n uint64, dst []byte) bool {
	start := offset / s.align
	end := (offset + n) / s.align

	for w := start; w < end; w++ {
		s.locks[w].Acquire()
		if access.ReadConflicts(s.aset[w], bit) {
			for j := start; j <= w; j++ {
				s.locks[j].Release()
			}
			return false
		}
	}
	for w := start; w < end; w++ {
		s.aset[w] |= bit
	}
	copy(dst, s.rw[offset:offset+n])
	for w := start; w < end; w++ {
		s.locks[w].Release()
	}
	return true
}

// Write performs a read/write transaction's write of n bytes at offset.
//
// It locks the covered words in ascending order, aborts if any word was
// touched by a different transaction, otherwise marks each word written by
// the caller and copies src into the read/write version. Reports whether
// the write succeeded; on false the caller's transaction must abort.
func (s *Segment) Write(bit uint64, offset, n uint64, src []byte) bool {
	start := offset / s.align
	end := (offset + n) / s.align

	for w := start; w < end; w++ {
		s.locks[w].Acquire()
		if access.WriteConflicts(s.aset[w], bit) {
			for j := start; j <= w; j++ {
				s.locks[j].Release()
			}
			return false
		}
	}
	for w := start; w < end; w++ {
		s.aset[w] |= access.Written | bit
	}
	copy(s.rw[offset:offset+n], src)
	for w := start; w < end; w++ {
		s.locks[w].Release()
	}
	return true
}

// RollbackRead clears the aborting transaction's bit from the access sets
// of a previously read range.
func (s *Segment) RollbackRead(bit uint64, offset, n uint64) {
	start := offset / s.align
	end := (offset + n) / s.align

	for w := start; w < end; w++ {
		s.locks[w].Acquire()
	}
	for w := start; w < end; w++ {
		s.aset[w] &^= bit
	}
	for w := start; w < end; w++ {
		s.locks[w].Release()
	}
}

// RollbackWrite undoes a previously written range by copying the snapshot
// bytes back into the read/write version and clearing the access sets.
//
// The aborting transaction is the sole writer of every covered word, and a
// written word admits no foreign readers, so zeroing the whole set word is
// safe: the only possible value is WRITTEN plus the writer's own bit.
func (s *Segment) RollbackWrite(offset, n uint64) {
	start := offset / s.align
	end := (offset + n) / s.align

	for w := start; w < end; w++ {
		s.locks[w].Acquire()
	}
	copy(s.rw[offset:offset+n], s.ro[offset:offset+n])
	for w := start; w < end; w++ {
		s.aset[w] = 0
	}
	for w := start; w < end; w++ {
		s.locks[w].Release()
	}
}

// Install publishes the read/write version as the next snapshot and
// returns the number of bytes copied.
//
// Only maximal runs of words carrying the WRITTEN flag are copied. The
// caller must be the last transaction leaving the epoch: no locks are
// taken, and the written flag is cleared on return.
func (s *Segment) Install() uint64 {
	var installed uint64
	words := uint64(len(s.aset))
	for w := uint64(0); w < words; {
		if !access.IsWritten(s.aset[w]) {
			w++
			continue
		}
		run := w
		for w < words && access.IsWritten(s.aset[w]) {
			w++
		}
		lo := run * s.align
		hi := w * s.align
		copy(s.ro[lo:hi], s.rw[lo:hi])
		installed += hi - lo
	}
	s.written.Store(false)
	return installed
}

// ResetAccess zeroes every access-set word for the next epoch. Like
// Install, this runs only in the single-threaded boundary window.
func (s *Segment) ResetAccess() {
	clear(s.aset)
}

// AccessSet returns the access-set word for word index w under its lock.
// Intended for tests and boundary-time assertions.
func (s *Segment) AccessSet(w int) uint64 {
	s.locks[w].Acquire()
	set := s.aset[w]
	s.locks[w].Release()
	return set
}
