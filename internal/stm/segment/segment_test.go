package segment

import (
	"bytes"
	"sync"
	"testing"

	"github.com/kolkov/dvstm/internal/stm/access"
)

const align = 8

func newTestSegment(t *testing.T, words int) *Segment {
	t.Helper()
	return New(1, uint64(words)*align, align)
}

// TestNewZeroed tests that a fresh segment exposes zeroed memory and
// untouched metadata.
func TestNewZeroed(t *testing.T) {
	s := newTestSegment(t, 8)

	if s.ID() != 1 {
		t.Errorf("ID = %d, want 1", s.ID())
	}
	if s.Size() != 64 {
		t.Errorf("Size = %d, want 64", s.Size())
	}
	if s.Words() != 8 {
		t.Errorf("Words = %d, want 8", s.Words())
	}
	if s.Freed() || s.Written() {
		t.Error("fresh segment should be neither freed nor written")
	}

	dst := make([]byte, 64)
	s.ReadRO(0, 64, dst)
	if !bytes.Equal(dst, make([]byte, 64)) {
		t.Error("snapshot not zeroed")
	}
	for w := 0; w < s.Words(); w++ {
		if s.AccessSet(w) != 0 {
			t.Errorf("aset[%d] = %#x, want 0", w, s.AccessSet(w))
		}
	}
}

// TestReadYourOwnWrite tests that a transaction's read after its own write
// observes the written bytes.
func TestReadYourOwnWrite(t *testing.T) {
	s := newTestSegment(t, 8)
	bit := access.Bit(0)

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !s.Write(bit, 0, 8, src) {
		t.Fatal("write on fresh segment should succeed")
	}

	dst := make([]byte, 8)
	if !s.Read(bit, 0, 8, dst) {
		t.Fatal("read of own write should succeed")
	}
	if !bytes.Equal(dst, src) {
		t.Fatalf("read back %v, want %v", dst, src)
	}

	// The snapshot stays untouched until installation.
	ro := make([]byte, 8)
	s.ReadRO(0, 8, ro)
	if !bytes.Equal(ro, make([]byte, 8)) {
		t.Error("write leaked into the snapshot before installation")
	}
}

// TestConflicts tests the abort decisions across two transactions.
func TestConflicts(t *testing.T) {
	bit0 := access.Bit(0)
	bit1 := access.Bit(1)
	buf := make([]byte, 8)

	t.Run("write-write", func(t *testing.T) {
		s := newTestSegment(t, 8)
		if !s.Write(bit0, 0, 8, buf) {
			t.Fatal("first write should succeed")
		}
		if s.Write(bit1, 0, 8, buf) {
			t.Fatal("second writer on the same word should abort")
		}
	})

	t.Run("read-write", func(t *testing.T) {
		s := newTestSegment(t, 8)
		if !s.Read(bit0, 0, 8, buf) {
			t.Fatal("read should succeed")
		}
		if s.Write(bit1, 0, 8, buf) {
			t.Fatal("write over a foreign read should abort")
		}
	})

	t.Run("write-read", func(t *testing.T) {
		s := newTestSegment(t, 8)
		if !s.Write(bit0, 0, 8, buf) {
			t.Fatal("write should succeed")
		}
		if s.Read(bit1, 0, 8, buf) {
			t.Fatal("read of a foreign write should abort")
		}
	})

	t.Run("read-read", func(t *testing.T) {
		s := newTestSegment(t, 8)
		if !s.Read(bit0, 0, 8, buf) {
			t.Fatal("first read should succeed")
		}
		if !s.Read(bit1, 0, 8, buf) {
			t.Fatal("concurrent reads should not conflict")
		}
	})

	t.Run("disjoint words", func(t *testing.T) {
		s := newTestSegment(t, 8)
		if !s.Write(bit0, 0, 8, buf) {
			t.Fatal("write should succeed")
		}
		if !s.Write(bit1, 8, 8, buf) {
			t.Fatal("writes to different words should not conflict")
		}
	})
}

// TestConflictLeavesNoTrace tests that an aborted operation neither sets
// access bits nor mutates data.
func TestConflictLeavesNoTrace(t *testing.T) {
	s := newTestSegment(t, 4)
	bit0 := access.Bit(0)
	bit1 := access.Bit(1)

	// tx0 writes word 2; tx1 then attempts a multi-word write covering it.
	if !s.Write(bit0, 16, 8, []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Fatal("setup write failed")
	}
	src := bytes.Repeat([]byte{0xBB}, 32)
	if s.Write(bit1, 0, 32, src) {
		t.Fatal("overlapping write should abort")
	}

	// Words 0 and 1 were locked and inspected but must carry no trace of tx1.
	for w := 0; w < 2; w++ {
		if s.AccessSet(w) != 0 {
			t.Errorf("aset[%d] = %#x after aborted write, want 0", w, s.AccessSet(w))
		}
	}
	dst := make([]byte, 8)
	if !s.Read(bit0, 16, 8, dst) {
		t.Fatal("tx0 read-back failed")
	}
	if dst[0] != 0xAA {
		t.Errorf("tx0's data clobbered by aborted write: %#x", dst[0])
	}
}

// TestRollbackWrite tests that rollback restores the snapshot bytes and
// clears the access sets.
func TestRollbackWrite(t *testing.T) {
	s := newTestSegment(t, 8)
	bit := access.Bit(3)

	src := bytes.Repeat([]byte{0x7F}, 16)
	if !s.Write(bit, 8, 16, src) {
		t.Fatal("write failed")
	}

	s.RollbackWrite(8, 16)

	for w := 1; w < 3; w++ {
		if s.AccessSet(w) != 0 {
			t.Errorf("aset[%d] = %#x after rollback, want 0", w, s.AccessSet(w))
		}
	}
	// The working copy must match the snapshot again.
	dst := make([]byte, 16)
	if !s.Read(access.Bit(4), 8, 16, dst) {
		t.Fatal("post-rollback read should succeed for another tx")
	}
	if !bytes.Equal(dst, make([]byte, 16)) {
		t.Errorf("working copy not restored: %v", dst)
	}
}

// TestRollbackRead tests that a read rollback clears only the caller's bit.
func TestRollbackRead(t *testing.T) {
	s := newTestSegment(t, 2)
	bit0 := access.Bit(0)
	bit1 := access.Bit(1)
	buf := make([]byte, 8)

	if !s.Read(bit0, 0, 8, buf) || !s.Read(bit1, 0, 8, buf) {
		t.Fatal("reads failed")
	}

	s.RollbackRead(bit0, 0, 8)

	if got := s.AccessSet(0); got != bit1 {
		t.Fatalf("aset[0] = %#x after rollback, want %#x", got, bit1)
	}
}

// TestInstall tests snapshot installation of written runs.
func TestInstall(t *testing.T) {
	s := newTestSegment(t, 8)
	bit := access.Bit(0)

	// Write words 1-2 and word 5, leave the rest untouched.
	if !s.Write(bit, 8, 16, bytes.Repeat([]byte{0x11}, 16)) {
		t.Fatal("write failed")
	}
	if !s.Write(bit, 40, 8, bytes.Repeat([]byte{0x22}, 8)) {
		t.Fatal("write failed")
	}
	s.MarkWritten()

	s.Install()
	s.ResetAccess()

	if s.Written() {
		t.Error("written flag should clear after Install")
	}

	dst := make([]byte, 64)
	s.ReadRO(0, 64, dst)
	want := make([]byte, 64)
	copy(want[8:24], bytes.Repeat([]byte{0x11}, 16))
	copy(want[40:48], bytes.Repeat([]byte{0x22}, 8))
	if !bytes.Equal(dst, want) {
		t.Fatalf("snapshot after install = %v, want %v", dst, want)
	}

	for w := 0; w < s.Words(); w++ {
		if s.AccessSet(w) != 0 {
			t.Errorf("aset[%d] = %#x after reset, want 0", w, s.AccessSet(w))
		}
	}
}

// TestConcurrentDisjointWriters drives one writer per word from separate
// goroutines and checks that every write lands.
func TestConcurrentDisjointWriters(t *testing.T) {
	const writers = 16
	s := newTestSegment(t, writers)

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(tx int) {
			defer wg.Done()
			src := bytes.Repeat([]byte{byte(tx + 1)}, align)
			if !s.Write(access.Bit(uint64(tx)), uint64(tx)*align, align, src) {
				t.Errorf("tx %d write aborted on its own word", tx)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		dst := make([]byte, align)
		if !s.Read(access.Bit(uint64(i)), uint64(i)*align, align, dst) {
			t.Fatalf("tx %d read-back aborted", i)
		}
		if dst[0] != byte(i+1) {
			t.Errorf("word %d = %#x, want %#x", i, dst[0], byte(i+1))
		}
	}
}

// TestConcurrentSameWordSingleWinner races many writers at one word and
// checks that exactly one wins.
func TestConcurrentSameWordSingleWinner(t *testing.T) {
	const writers = 32
	s := newTestSegment(t, 1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(tx int) {
			defer wg.Done()
			src := bytes.Repeat([]byte{byte(tx + 1)}, align)
			if s.Write(access.Bit(uint64(tx)), 0, align, src) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d writers won the word, want exactly 1", wins)
	}
	set := s.AccessSet(0)
	if !access.IsWritten(set) {
		t.Fatal("winning write left WRITTEN clear")
	}
	if w := access.Writer(set); w == 0 || w&(w-1) != 0 {
		t.Fatalf("access set %#x does not name a single writer", set)
	}
}
