// Package oplog implements the per-transaction operation log.
//
// Read-only transactions keep no log: they never touch the access sets or
// the working copy. A read/write transaction can abort on any operation,
// and everything it did up to the abort point must be undone. The log records each successful operation of a read/write
// transaction in program order; the leave step replays it to roll back an
// abort or to finalize a commit.
//
// A log is an owned slice of compact records rather than a linked list: the
// slice is reused across epochs (truncated, never freed), so steady-state
// transactions append without allocating.
package oplog

// Kind discriminates the record variants.
type Kind uint8

const (
	// Read records a successful shared-memory read.
	Read Kind = iota
	// Write records a successful shared-memory write.
	Write
	// Alloc records a segment allocation.
	Alloc
	// Free records a segment free request.
	Free
)

// String returns the kind name for log and test output.
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Alloc:
		return "alloc"
	case Free:
		return "free"
	default:
		return "unknown"
	}
}

// Record is one logged operation.
//
// Read and Write use all fields; Alloc and Free carry only the segment id.
// This is the tagged-variant shape of the record: one struct, with the
// kind deciding which fields are meaningful.
type Record struct {
	Kind   Kind
	Seg    uint8
	Offset uint64
	Size   uint64
}

// Log is the operation history of one read/write transaction, oldest
// record first.
type Log struct {
	recs []Record
}

// AppendRW appends a read or write record.
func (l *Log) AppendRW(kind Kind, seg uint8, offset, size uint64) {
	l.recs = append(l.recs, Record{Kind: kind, Seg: seg, Offset: offset, Size: size})
}

// AppendSeg appends an alloc or free record.
func (l *Log) AppendSeg(kind Kind, seg uint8) {
	l.recs = append(l.recs, Record{Kind: kind, Seg: seg})
}

// Records returns the logged records in program order. The returned slice
// is owned by the log and is only valid until the next Append or Reset.
func (l *Log) Records() []Record {
	return l.recs
}

// Len returns the number of logged records.
func (l *Log) Len() int {
	return len(l.recs)
}

// Reset empties the log, keeping its capacity for the next transaction
// that reuses this id.
func (l *Log) Reset() {
	l.recs = l.recs[:0]
}
