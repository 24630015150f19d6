package region

import (
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/dvstm/internal/stm/access"
)

// TestConcurrentCounters drives many read/write transactions incrementing
// random words and checks that the committed increments, and only those,
// are visible afterwards.
func TestConcurrentCounters(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	const (
		words   = 8
		workers = 12
		rounds  = 200
	)

	r, err := New(words*testAlign, testAlign, nil, nil)
	require.NoError(t, err)

	var commits atomic.Uint64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			buf := make([]byte, testAlign)
			for i := 0; i < rounds; i++ {
				tx := r.Begin(false)
				if tx == InvalidTx {
					continue
				}
				target := r.Start().Add(uint64(rng.Intn(words)) * testAlign)
				if !r.Read(tx, target, buf) {
					continue // aborted, already left
				}
				v := binary.LittleEndian.Uint64(buf)
				binary.LittleEndian.PutUint64(buf, v+1)
				if !r.Write(tx, buf, target) {
					continue
				}
				r.End(tx)
				commits.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(0), r.batcher.Remaining(), "batcher must drain")

	ro := r.Begin(true)
	var sum uint64
	buf := make([]byte, testAlign)
	for w := 0; w < words; w++ {
		require.True(t, r.Read(ro, r.Start().Add(uint64(w)*testAlign), buf))
		sum += binary.LittleEndian.Uint64(buf)
	}
	require.True(t, r.End(ro))

	require.Equal(t, commits.Load(), sum,
		"sum of counters must equal committed increments")
}

// TestSnapshotStableWithinEpoch runs read-only transactions against
// concurrent writers and checks that a transaction's two reads of the same
// word always agree: the snapshot cannot move under a live transaction.
func TestSnapshotStableWithinEpoch(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	const (
		words   = 8
		writers = 4
		readers = 4
		rounds  = 150
	)

	r, err := New(words*testAlign, testAlign, nil, nil)
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			buf := make([]byte, testAlign)
			for i := 0; i < rounds; i++ {
				tx := r.Begin(false)
				if tx == InvalidTx {
					continue
				}
				binary.LittleEndian.PutUint64(buf, rng.Uint64())
				target := r.Start().Add(uint64(rng.Intn(words)) * testAlign)
				if !r.Write(tx, buf, target) {
					continue
				}
				r.End(tx)
			}
			return nil
		})
	}
	for w := 0; w < readers; w++ {
		seed := int64(1000 + w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			first := make([]byte, testAlign)
			second := make([]byte, testAlign)
			for i := 0; i < rounds; i++ {
				tx := r.Begin(true)
				target := r.Start().Add(uint64(rng.Intn(words)) * testAlign)
				if !r.Read(tx, target, first) {
					return nil
				}
				if !r.Read(tx, target, second) {
					return nil
				}
				if binary.LittleEndian.Uint64(first) != binary.LittleEndian.Uint64(second) {
					t.Errorf("snapshot moved under a read-only tx")
				}
				r.End(tx)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(0), r.batcher.Remaining())
}

// TestCapacityRejection: the
// read/write admission past MaxRWTx is rejected as InvalidTx and has no
// batcher footprint.
func TestCapacityRejection(t *testing.T) {
	r := newTestRegion(t)

	plug := r.Begin(false)
	done := make(chan uint64, access.MaxRWTx-1)
	for i := 0; i < access.MaxRWTx-1; i++ {
		go func() { done <- r.Begin(false) }()
	}
	waitBlocked(t, r, access.MaxRWTx-1)

	require.Equal(t, uint64(InvalidTx), r.Begin(false),
		"64th read/write admission must be rejected")
	require.Equal(t, uint64(access.MaxRWTx-1), r.batcher.Blocked(),
		"rejected admission must not park")

	r.End(plug)
	for i := 0; i < access.MaxRWTx-1; i++ {
		tx := <-done
		require.NotEqual(t, uint64(InvalidTx), tx)
		r.End(tx)
	}
	require.Equal(t, uint64(0), r.batcher.Remaining())
}

func waitBlocked(t *testing.T, r *Region, n int) {
	t.Helper()
	for i := 0; int(r.batcher.Blocked()) != n; i++ {
		if i > 5000 {
			t.Fatal("timed out waiting for admissions to park")
		}
		time.Sleep(time.Millisecond)
	}
}
