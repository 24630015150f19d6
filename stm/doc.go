// Package stm provides the public API for the dual-versioned software
// transactional memory (DV-STM).
//
// A TM instance (a "region") lets concurrent threads perform grouped
// reads, writes, allocations and frees against shared memory with
// snapshot isolation and all-or-nothing atomicity per transaction.
//
// # Quick Start
//
//	tm, err := stm.New(1024, 8)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tm.Destroy()
//
//	tx := tm.Begin(false) // read/write transaction
//	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
//	if !tm.Write(tx, buf, tm.Start()) {
//		// Transaction aborted; it has already left. Do not call End.
//		return
//	}
//	tm.End(tx)
//
// # Execution Model
//
// Transactions are admitted in epoch-batched cohorts. Begin blocks while
// an earlier cohort is in flight and releases a whole cohort together at
// the epoch boundary. Within an epoch:
//
//   - Read-only transactions read the snapshot installed at the previous
//     boundary, with no synchronization at all.
//   - Read/write transactions work against a separate working copy under a
//     per-word conflict protocol: any number of readers per word, at most
//     one writer, and never both from different transactions.
//
// When the last transaction of an epoch leaves, written memory is
// installed as the next snapshot, freed segments are reclaimed, and the
// parked cohort starts the next epoch.
//
// # Aborts
//
// Any Read, Write, Alloc or Free may abort the transaction on conflict or
// resource exhaustion. An abort is reported through the operation's return
// value; the library has already rolled back every effect of the
// transaction and retired it. The caller must stop using the transaction
// id and must not call End. There are no panics across this API and no
// partial effects: an aborted transaction is invisible to the epoch's
// survivors and to all later epochs.
//
// # Capacity
//
// At most 63 read/write transactions are admitted per epoch; Begin returns
// InvalidTx beyond that, and the caller may simply retry later. Read-only
// admission is unbounded. A region holds at most 63 live segments of up to
// 2^48 bytes each.
//
// # API Overview
//
//   - Lifecycle: [New], [TM.Destroy]
//   - Geometry: [TM.Start], [TM.Size], [TM.Align]
//   - Transactions: [TM.Begin], [TM.End]
//   - Operations: [TM.Read], [TM.Write], [TM.Alloc], [TM.Free]
//   - Version information: [GetInfo], [Version]
package stm
