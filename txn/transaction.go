// Package txn implements the read and write transaction values: snapshot
// bounds, the write-side savepoint stack, and the bookkeeping needed to
// commit a batch of pages into the current segment.
package txn

import (
	"sync/atomic"
	"time"

	"github.com/pagewal/wal/segment"
)

// ReadTransaction carries a snapshot of the WAL as of its creation: the
// segment it was opened against (holding a shared read-lock reference),
// the last committed frame number and db size visible to it, and basic
// bookkeeping used by the engine (creation time, owning connection,
// pages read so far).
type ReadTransaction struct {
	// Log is the live segment this transaction attached to at creation.
	// It is held for the transaction's lifetime so that rotation never
	// invalidates the snapshot: the segment's file stays open and its
	// sealed, indexed form (if rotated away) is still reachable via the
	// registry's sealed queue.
	Log *segment.Segment

	// MaxFrameNo is the upper bound of frames visible to this
	// transaction.
	MaxFrameNo uint64

	// DBSize is the committed database size (in pages) as of creation.
	DBSize uint32

	CreatedAt time.Time
	ConnID    uint64

	// PagesRead counts pages served to this transaction; used to decide
	// whether a long-lived read transaction should be recycled.
	PagesRead uint64
}

// NewReadTransaction builds a ReadTransaction over log that owns one
// read-lock reference on it. The caller must already have incremented
// log.ReadLocks; NewReadTransaction does not do so itself, mirroring
// begin_read's own increment-then-construct sequencing (see the wal
// package's BeginRead).
func NewReadTransaction(log *segment.Segment, maxFrameNo uint64, dbSize uint32, connID uint64) *ReadTransaction {
	return &ReadTransaction{
		Log:        log,
		MaxFrameNo: maxFrameNo,
		DBSize:     dbSize,
		CreatedAt:  time.Now(),
		ConnID:     connID,
	}
}

// Clone duplicates the read transaction, taking out an additional read
// lock reference on the same segment.
func (r *ReadTransaction) Clone() *ReadTransaction {
	atomic.AddInt64(r.Log.ReadLocks, 1)
	clone := *r
	return &clone
}

// Close releases this transaction's read-lock reference. Must be called
// exactly once per ReadTransaction (including clones) when the
// transaction is done being used.
func (r *ReadTransaction) Close() {
	atomic.AddInt64(r.Log.ReadLocks, -1)
}

// RecordPageRead increments the pages-read counter.
func (r *ReadTransaction) RecordPageRead() {
	atomic.AddUint64(&r.PagesRead, 1)
}

// Savepoint is a point within a write transaction to which the writer
// can roll back. It owns the writes made after the previous savepoint:
// NextOffset/NextFrameNo capture the cursor position when the savepoint
// was opened (the position to roll back to), and Writes buffers the
// page-number -> slot-offset pairs written since then (last write within
// the savepoint wins on a page-number collision).
type Savepoint struct {
	NextOffset   uint32
	NextFrameNo  uint64
	Writes       map[uint32]uint32
}

func newSavepoint(nextOffset uint32, nextFrameNo uint64) *Savepoint {
	return &Savepoint{NextOffset: nextOffset, NextFrameNo: nextFrameNo, Writes: make(map[uint32]uint32)}
}

// WriteTransaction extends ReadTransaction with the mutable state needed
// to append and commit frames: a transaction id, the savepoint stack,
// the current write cursor, and whether the transaction has committed.
type WriteTransaction struct {
	*ReadTransaction

	ID uint64

	savepoints []*Savepoint

	NextFrameNo uint64
	NextOffset  uint32

	committed bool
}

// NewWriteTransaction builds a WriteTransaction from an upgraded read
// transaction, seeded with one initial savepoint covering the whole
// transaction.
func NewWriteTransaction(id uint64, read *ReadTransaction, nextOffset uint32, nextFrameNo uint64) *WriteTransaction {
	return &WriteTransaction{
		ReadTransaction: read,
		ID:              id,
		savepoints:      []*Savepoint{newSavepoint(nextOffset, nextFrameNo)},
		NextFrameNo:     nextFrameNo,
		NextOffset:      nextOffset,
	}
}

// IsCommitted reports whether Commit has completed for this transaction.
func (w *WriteTransaction) IsCommitted() bool { return w.committed }

// MarkCommitted records that the header publish for this transaction's
// batch has completed.
func (w *WriteTransaction) MarkCommitted() { w.committed = true }

// CurrentSavepoint returns the innermost (most recent) savepoint, the
// one new writes are attributed to.
func (w *WriteTransaction) CurrentSavepoint() *Savepoint {
	return w.savepoints[len(w.savepoints)-1]
}

// RecordWrite attributes a page write at the given slot offset to the
// current savepoint. It does not advance the write cursor; the caller
// updates NextOffset and NextFrameNo.
func (w *WriteTransaction) RecordWrite(pageNo, offset uint32) {
	w.CurrentSavepoint().Writes[pageNo] = offset
}

// Begin opens a new savepoint at the current cursor position, returning
// its index (for a later Rollback).
func (w *WriteTransaction) Begin() int {
	w.savepoints = append(w.savepoints, newSavepoint(w.NextOffset, w.NextFrameNo))
	return len(w.savepoints) - 1
}

// Rollback discards every savepoint after id (inclusive of its buffered
// writes) and rewinds the write cursor to where id was opened. id must
// be a valid, still-open savepoint index.
func (w *WriteTransaction) Rollback(id int) {
	if id < 0 || id >= len(w.savepoints) {
		panic("txn: savepoint does not exist")
	}
	target := w.savepoints[id]
	w.savepoints = w.savepoints[:id+1]
	w.NextFrameNo = target.NextFrameNo
	w.NextOffset = target.NextOffset
	target.Writes = make(map[uint32]uint32)
}

// FindFrame consults the transaction's own buffered savepoint writes,
// newest savepoint first, for a page this transaction has itself
// written but not yet committed. Returns the slot offset on a hit.
func (w *WriteTransaction) FindFrame(pageNo uint32) (uint32, bool) {
	for i := len(w.savepoints) - 1; i >= 0; i-- {
		if offset, ok := w.savepoints[i].Writes[pageNo]; ok {
			return offset, true
		}
	}
	return 0, false
}

// ResolveWinners merges every savepoint's buffered writes into a single
// page -> winning-offset map, with the newest (innermost) savepoint's
// write for a given page taking precedence, matching spec's "merged
// newest-wins on page-number collision" commit-merge rule.
func (w *WriteTransaction) ResolveWinners() map[uint32]uint32 {
	winners := make(map[uint32]uint32)
	for i := len(w.savepoints) - 1; i >= 0; i-- {
		for pageNo, offset := range w.savepoints[i].Writes {
			if _, already := winners[pageNo]; !already {
				winners[pageNo] = offset
			}
		}
	}
	return winners
}

// HasBufferedWrites reports whether any savepoint has buffered at least
// one page write, used to decide whether a commit actually needs a
// header publish and index merge (an empty commit batch is a no-op).
func (w *WriteTransaction) HasBufferedWrites() bool {
	for _, sp := range w.savepoints {
		if len(sp.Writes) > 0 {
			return true
		}
	}
	return false
}

// Downgrade converts the write transaction back into the plain read
// transaction it was built from. The caller (SharedWal.Downgrade) is
// responsible for releasing the writer lock and performing fair
// handoff; Downgrade itself only returns the embedded ReadTransaction.
func (w *WriteTransaction) Downgrade() *ReadTransaction {
	return w.ReadTransaction
}
