// Package access implements the 64-bit per-word access set at the heart of
// the DV-STM conflict detector.
//
// Every shared word carries one access-set word recording which read/write
// transactions touched it during the current epoch, and whether any of them
// wrote it:
//
//	Bit 63 (MSB):  WRITTEN flag
//	Bits 0..62:    one bit per read/write transaction id
//
// The encoding gives three states for a set value A and a transaction bit P:
//
//	A == 0:         untouched this epoch
//	A <  WRITTEN:   read by the transactions whose bits are set
//	A >= WRITTEN:   written; the low bits name the single writer
//
// Packing readers, the writer and the written flag into one word is what
// caps read/write concurrency at 63 transactions per epoch: a wider cohort
// needs a wider word. The payoff is that every conflict decision is one
// comparison and one mask over a single uint64.
package access

// MaxRWTx is the maximum number of read/write transactions per epoch.
// Transaction ids 0..MaxRWTx-1 are read/write; ids >= MaxRWTx are read-only.
const MaxRWTx = 63

// Written is the MSB of an access-set word, set once the word has been
// written this epoch.
const Written uint64 = 1 << 63

// Bit returns the access-set bit pattern for a read/write transaction id.
// The id must be < MaxRWTx.
func Bit(tx uint64) uint64 {
	return 1 << tx
}

// ReadConflicts reports whether a read by the transaction with bit pattern
// bit must abort given the current set value.
//
// A read conflicts exactly when the word has been written by a different
// transaction. Reads never conflict with other reads, and a transaction may
// always re-read its own writes.
func ReadConflicts(set, bit uint64) bool {
	return set >= Written && set&bit == 0
}

// WriteConflicts reports whether a write by the transaction with bit
// pattern bit must abort given the current set value.
//
// A write conflicts when the word was written by a different transaction,
// or read by any transaction other than the writer. Together with
// ReadConflicts this enforces at most one writer per word per epoch, with
// no foreign readers once written.
func WriteConflicts(set, bit uint64) bool {
	if set >= Written {
		return set&bit == 0
	}
	return set&^bit != 0
}

// Readers returns the reader bits of a set value with the WRITTEN flag and
// the given transaction's bit masked out.
func Readers(set, bit uint64) uint64 {
	return set &^ (Written | bit)
}

// Writer extracts the writer's bit pattern from a written set value, or 0
// if the word has not been written.
func Writer(set uint64) uint64 {
	if set < Written {
		return 0
	}
	return set &^ Written
}

// IsWritten reports whether the WRITTEN flag is set.
func IsWritten(set uint64) bool {
	return set&Written != 0
}
