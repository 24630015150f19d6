package stm

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kolkov/dvstm/internal/stm/access"
	"github.com/kolkov/dvstm/internal/stm/addr"
	"github.com/kolkov/dvstm/internal/stm/metrics"
	"github.com/kolkov/dvstm/internal/stm/region"
)

// MaxRWTx is the maximum number of read/write transactions per epoch.
const MaxRWTx = access.MaxRWTx

// MaxSegments is the maximum number of live segments per region,
// including the first one.
const MaxSegments = region.MaxSeg - 1

// TxID identifies a transaction within its epoch. Ids below MaxRWTx are
// read/write; higher ids are read-only.
type TxID uint64

// InvalidTx is returned by Begin when read/write capacity is exhausted.
// A caller holding InvalidTx must not use the id for anything, including
// End.
const InvalidTx TxID = ^TxID(0)

// Addr is an opaque shared-memory address: a segment id plus a byte
// offset. Addresses are produced by Start and Alloc and consumed by Read,
// Write and Free; they are plain values and may be stored, passed between
// threads, or offset with Add.
type Addr uint64

// Add returns the address displaced by n bytes within the same segment.
func (a Addr) Add(n uint64) Addr {
	return Addr(addr.Addr(a).Add(n))
}

// AllocStatus is the outcome of Alloc.
type AllocStatus int

const (
	// AllocSuccess: the segment was allocated and the transaction
	// continues.
	AllocSuccess AllocStatus = AllocStatus(region.AllocSuccess)
	// AllocNoMem: allocation failed for lack of memory; the transaction
	// has aborted.
	AllocNoMem AllocStatus = AllocStatus(region.AllocNoMem)
	// AllocAbort: the region's segment table is full; the transaction has
	// aborted.
	AllocAbort AllocStatus = AllocStatus(region.AllocAbort)
)

// TM is one transactional memory region.
type TM struct {
	r *region.Region
}

type options struct {
	logger   *zap.Logger
	registry prometheus.Registerer
}

// Option configures a TM at creation.
type Option func(*options)

// WithLogger attaches a logger for lifecycle events. The hot paths never
// log; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers the region's Prometheus counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// New creates a region whose first, non-freeable segment spans size bytes.
// align is the shared word size in bytes: the granularity of conflict
// detection and the required multiple for every size and offset used with
// this region. align must be a power of two and size a positive multiple
// of it.
func New(size, align uint64, opts ...Option) (*TM, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var met *metrics.Metrics
	if o.registry != nil {
		met = metrics.New(o.registry)
	}

	r, err := region.New(size, align, o.logger, met)
	if err != nil {
		return nil, errors.Wrap(err, "stm: create")
	}
	return &TM{r: r}, nil
}

// Destroy releases the region. No transaction may be running.
func (t *TM) Destroy() {
	t.r.Destroy()
}

// Start returns the address of the first byte of the first segment.
func (t *TM) Start() Addr {
	return Addr(t.r.Start())
}

// Size returns the byte size of the first segment.
func (t *TM) Size() uint64 {
	return t.r.Size()
}

// Align returns the region's word size in bytes.
func (t *TM) Align() uint64 {
	return t.r.Align()
}

// Epoch returns the number of completed epochs. Mostly useful for tests
// and monitoring.
func (t *TM) Epoch() uint64 {
	return t.r.Epoch()
}

// Begin starts a transaction and returns its id, blocking until the
// transaction's epoch opens. It returns InvalidTx only when the epoch's
// read/write capacity (MaxRWTx) is exhausted; a rejected caller has not
// entered the batch.
func (t *TM) Begin(readOnly bool) TxID {
	return TxID(t.r.Begin(readOnly))
}

// End commits the transaction. It always returns true: reaching End means
// no operation aborted, and commit is exactly the absence of an abort.
func (t *TM) End(tx TxID) bool {
	return t.r.End(uint64(tx))
}

// Read copies len(dst) bytes of shared memory starting at src into dst.
// len(dst) must be a positive multiple of Align and the range must lie
// inside src's segment.
//
// A false return means the transaction aborted (and has already been
// retired); the caller must not call End or reuse the id.
func (t *TM) Read(tx TxID, src Addr, dst []byte) bool {
	return t.r.Read(uint64(tx), addr.Addr(src), dst)
}

// Write copies src into shared memory starting at dst, under the same
// constraints and abort contract as Read. Write requires a read/write
// transaction.
func (t *TM) Write(tx TxID, src []byte, dst Addr) bool {
	return t.r.Write(uint64(tx), src, addr.Addr(dst))
}

// Alloc creates a fresh zeroed segment of the given byte size and returns
// its base address. The segment becomes permanent only if the transaction
// commits. On AllocNoMem or AllocAbort the transaction has aborted.
func (t *TM) Alloc(tx TxID, size uint64) (Addr, AllocStatus) {
	a, status := t.r.Alloc(uint64(tx), size)
	return Addr(a), AllocStatus(status)
}

// Free schedules the segment holding target for deallocation at the epoch
// boundary, effective only if the transaction commits. Freeing the first
// segment or an address outside any live segment aborts the transaction
// and returns false.
func (t *TM) Free(tx TxID, target Addr) bool {
	return t.r.Free(uint64(tx), addr.Addr(target))
}
