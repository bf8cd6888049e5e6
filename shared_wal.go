// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package wal is a write-ahead log storage engine for an embedded
// relational database: a segment-based, append-only log supporting
// concurrent single-writer/multi-reader transactions and asynchronous
// checkpointing into a main database file. See SharedWal for the
// per-namespace coordinator and Registry for the top-level entry point.
package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pagewal/wal/catalog"
	"github.com/pagewal/wal/config"
	"github.com/pagewal/wal/errs"
	"github.com/pagewal/wal/metrics"
	"github.com/pagewal/wal/segment"
	"github.com/pagewal/wal/txn"
)

const segmentFileSuffix = ".seg"

// segmentPath returns the path a segment starting at startFrameNo is
// stored under, zero-padded so a directory listing sorts the same order
// as start_frame_no, per the on-disk layout's naming rule.
func segmentPath(dir string, startFrameNo uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", startFrameNo, segmentFileSuffix))
}

// SharedWal is the per-namespace coordinator: the current live segment
// (swapped atomically on rotation), the ordered queue of sealed
// segments awaiting checkpoint, the fair single-writer lock, and the
// base database file that checkpoints fold sealed pages into.
type SharedWal struct {
	namespace string
	dir       string

	baseFile *os.File

	cfg     config.Config
	logger  log.Logger
	metrics *metrics.Metrics
	catalog *catalog.Catalog

	current atomic.Pointer[segment.Segment]

	sealedMu    sync.Mutex
	sealedQueue []*segment.SealedSegment

	writer *writerLock

	checkpointer  *Checkpointer
	checkpointing atomic.Bool

	connIDSeq uint64

	closed atomic.Bool
}

// openSharedWal opens (or initializes) the namespace directory under
// root: it lists whatever segment files exist, recovers or creates the
// current segment, opens every sealed segment it finds, and
// cross-checks the result against the catalog's own bookkeeping for
// that namespace (logging, not failing, on a mismatch — the directory
// listing is authoritative, the catalog is a diagnostic aid).
func openSharedWal(root, namespace string, cfg config.Config, logger log.Logger, m *metrics.Metrics, cat *catalog.Catalog, cp *Checkpointer) (*SharedWal, error) {
	dir := filepath.Join(root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.WrapIO("create namespace dir", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.WrapIO("list namespace dir", err)
	}
	var segPaths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == segmentFileSuffix {
			segPaths = append(segPaths, filepath.Join(dir, e.Name()))
		}
	}
	sortPaths(segPaths)

	w := &SharedWal{
		namespace:    namespace,
		dir:          dir,
		cfg:          cfg,
		logger:       log.With(logger, "namespace", namespace),
		metrics:      m,
		catalog:      cat,
		writer:       newWriterLock(),
		checkpointer: cp,
	}

	basePath := filepath.Join(dir, "base.db")
	baseFile, err := os.OpenFile(basePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errs.WrapIO("open base database file", err)
	}
	w.baseFile = baseFile

	var sealedCount int
	for i, p := range segPaths {
		isLast := i == len(segPaths)-1
		if isLast {
			s, err := segment.Open(p, segment.WithLogger(w.logger), segment.WithMetrics(m))
			if err != nil {
				return nil, err
			}
			if s.IsSealed() {
				// The on-disk header says this segment was already sealed;
				// reopen it properly through OpenSealed and start a fresh
				// current segment after it.
				s.Close()
				sealed, err := segment.OpenSealed(p, segment.WithSealedLogger(w.logger))
				if err != nil {
					return nil, err
				}
				w.sealedQueue = append(w.sealedQueue, sealed)
				sealedCount++
				next, err := segment.Create(segmentPath(dir, sealed.LastCommittedFrameNo()+1),
					sealed.LastCommittedFrameNo()+1, sealed.DBSize(),
					int64(cfg.RotateFrames)*int64(segment.FrameSize),
					segment.WithLogger(w.logger), segment.WithMetrics(m))
				if err != nil {
					return nil, err
				}
				w.current.Store(next)
				continue
			}
			w.current.Store(s)
			continue
		}
		sealed, err := segment.OpenSealed(p, segment.WithSealedLogger(w.logger))
		if err != nil {
			return nil, err
		}
		w.sealedQueue = append(w.sealedQueue, sealed)
		sealedCount++
	}

	if w.current.Load() == nil {
		first, err := segment.Create(segmentPath(dir, 1), 1, 0,
			int64(cfg.RotateFrames)*int64(segment.FrameSize),
			segment.WithLogger(w.logger), segment.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		w.current.Store(first)
	}

	if cat != nil {
		if recorded, err := cat.SegmentCount(namespace); err == nil && recorded != sealedCount {
			level.Warn(w.logger).Log("msg", "catalog sealed-segment count diverges from directory listing",
				"catalog_count", recorded, "directory_count", sealedCount)
		}
	}

	if err := checkSegmentInvariants(w.current.Load(), w.sealedQueue); err != nil {
		return nil, err
	}

	if m != nil {
		m.OpenSegments.Set(float64(len(w.sealedQueue) + 1))
		m.SealedQueueLength.Set(float64(len(w.sealedQueue)))
	}

	return w, nil
}

// checkSegmentInvariants enforces I1 (exactly one current segment) and
// I2 (sealed segments form a contiguous, non-overlapping run ending
// just before current) against whatever openSharedWal actually found on
// disk. A gap or overlap means a segment file was lost, duplicated, or
// renamed out from under the WAL and is surfaced as corruption rather
// than silently trusted.
func checkSegmentInvariants(cur *segment.Segment, sealed []*segment.SealedSegment) error {
	for i := 1; i < len(sealed); i++ {
		prev, s := sealed[i-1], sealed[i]
		if s.StartFrameNo() != prev.LastCommittedFrameNo()+1 {
			return errs.NewCorruption(fmt.Sprintf(
				"sealed segment starting at frame %d does not follow the previous segment committed through frame %d",
				s.StartFrameNo(), prev.LastCommittedFrameNo()), nil)
		}
	}
	if len(sealed) > 0 {
		last := sealed[len(sealed)-1]
		if cur.StartFrameNo() != last.LastCommittedFrameNo()+1 {
			return errs.NewCorruption(fmt.Sprintf(
				"current segment starting at frame %d does not follow the last sealed segment committed through frame %d",
				cur.StartFrameNo(), last.LastCommittedFrameNo()), nil)
		}
	}
	return nil
}

func sortPaths(paths []string) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j] < paths[j-1]; j-- {
			paths[j], paths[j-1] = paths[j-1], paths[j]
		}
	}
}

// BeginRead opens a new read transaction snapshotted against whichever
// segment is current right now, taking out a read-lock reference that
// survives rotation.
func (w *SharedWal) BeginRead(connID uint64) *txn.ReadTransaction {
	cur := w.current.Load()
	atomic.AddInt64(cur.ReadLocks, 1)
	lastCommitted, dbSize := cur.BeginReadInfos()
	return txn.NewReadTransaction(cur, lastCommitted, dbSize, connID)
}

// NextConnID hands out a monotonically increasing connection id for
// callers that don't track their own.
func (w *SharedWal) NextConnID() uint64 {
	return atomic.AddUint64(&w.connIDSeq, 1)
}

// Upgrade acquires the fair single-writer lock and converts rt into a
// WriteTransaction. It blocks until the lock is acquired or ctx is
// cancelled. Per the re-check rule, it re-reads the current segment's
// last_committed_frame_no and compares it against rt.MaxFrameNo: any
// commit that landed since rt's snapshot was taken (whether or not it
// also rotated the segment) makes the snapshot stale, and Upgrade fails
// with errs.ErrBusySnapshot so the caller can restart with a fresh
// BeginRead. It fails the same way if rt is attached to a segment that
// is no longer current, even when no frame was committed since.
func (w *SharedWal) Upgrade(ctx context.Context, rt *txn.ReadTransaction) (*txn.WriteTransaction, error) {
	start := time.Now()
	ticket, err := w.writer.Lock(ctx)
	w.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	cur := w.current.Load()
	if cur.LastCommitted() != rt.MaxFrameNo || cur != rt.Log {
		w.writer.Unlock(ticket)
		w.metrics.BusySnapshotRestarts.Inc()
		return nil, errs.ErrBusySnapshot
	}
	nextOffset := cur.FramesInLog()
	nextFrameNo := cur.NextFrameNo()
	return txn.NewWriteTransaction(ticket, rt, nextOffset, nextFrameNo), nil
}

// Downgrade converts wt back into a plain ReadTransaction without
// publishing any header (no commit happens) and releases the writer
// lock through the same fair FIFO handoff Commit and Rollback use, so
// the next queued writer is woken in arrival order rather than able to
// barge in ahead of it.
func (w *SharedWal) Downgrade(wt *txn.WriteTransaction) *txn.ReadTransaction {
	defer w.writer.Unlock(wt.ID)
	return wt.Downgrade()
}

// InsertFrames appends pages to the current segment on behalf of wt,
// stamping each with the next frame number and advancing wt's cursor.
// newDBSize is the database size (in pages) once this batch lands; it
// is not published until Commit. Returns errs.ErrLockStolen if the
// current segment rotated out from under this writer, which cannot
// happen in correct use since rotation only ever occurs inside Commit
// while still holding the writer lock, but is checked defensively.
func (w *SharedWal) InsertFrames(wt *txn.WriteTransaction, pages []segment.Page, newDBSize uint32) error {
	if !w.writer.Held(wt.ID) {
		return errs.ErrLockStolen
	}
	cur := w.current.Load()
	if cur != wt.Log {
		return errs.ErrLockStolen
	}
	for _, p := range pages {
		offset := wt.NextOffset
		frameNo := wt.NextFrameNo
		if err := cur.AppendFrame(p.PageNo, newDBSize, p.Data, frameNo, offset); err != nil {
			return err
		}
		wt.RecordWrite(p.PageNo, offset)
		wt.NextOffset++
		wt.NextFrameNo++
	}
	wt.DBSize = newDBSize
	return nil
}

// Commit publishes wt's buffered writes (if any), merging the resolved
// newest-wins per-page offsets into the segment's in-memory index and
// atomically publishing the new header, then rotates the segment if it
// has grown past its threshold (still holding the writer lock) and
// finally releases the writer lock.
// An empty batch (no buffered writes across any savepoint) still
// releases the lock but performs no header publish.
func (w *SharedWal) Commit(wt *txn.WriteTransaction) error {
	defer w.writer.Unlock(wt.ID)

	cur := w.current.Load()
	if cur != wt.Log {
		return errs.ErrLockStolen
	}

	if wt.HasBufferedWrites() {
		winners := wt.ResolveWinners()
		cur.MergeWinners(winners)
		lastCommitted := wt.NextFrameNo - 1
		if err := cur.CommitHeader(lastCommitted, wt.DBSize); err != nil {
			return err
		}
	}
	wt.MarkCommitted()

	if int(cur.FramesInLog()) >= w.cfg.RotateFrames {
		if err := w.rotate(cur); err != nil {
			level.Error(w.logger).Log("msg", "segment rotation failed", "err", err)
		}
	}
	w.maybeTriggerCheckpoint()
	return nil
}

// maybeTriggerCheckpoint kicks off a checkpoint pass in the background
// if the sealed queue has crossed cfg.CheckpointSegments, per the
// commit-time trigger spec.md describes alongside rotation. Commit
// never blocks on it; Checkpointer.Run single-flights against w, so a
// trigger racing an explicit Registry.Checkpoint call (or another
// trigger) simply no-ops instead of running twice concurrently.
func (w *SharedWal) maybeTriggerCheckpoint() {
	if w.checkpointer == nil {
		return
	}
	w.sealedMu.Lock()
	queueLen := len(w.sealedQueue)
	w.sealedMu.Unlock()
	if queueLen < w.cfg.CheckpointSegments {
		return
	}
	go func() {
		if err := w.checkpointer.Run(w); err != nil {
			level.Error(w.logger).Log("msg", "triggered checkpoint failed", "err", err)
		}
	}()
}

// Rollback discards wt's buffered writes without publishing a header
// and releases the writer lock. The frames already appended to the
// segment file remain physically present but unreferenced: the next
// writer's cursor is recomputed from the last published header, not
// from the file's tail, so they are silently overwritten.
func (w *SharedWal) Rollback(wt *txn.WriteTransaction) {
	w.writer.Unlock(wt.ID)
}

// rotate seals cur, enqueues it as a sealed segment, records the seal
// in the catalog, and swaps in a freshly created segment as current.
// Must be called while still holding the writer lock.
func (w *SharedWal) rotate(cur *segment.Segment) error {
	sealed, err := cur.Seal()
	if err != nil {
		return err
	}

	w.sealedMu.Lock()
	w.sealedQueue = append(w.sealedQueue, sealed)
	queueLen := len(w.sealedQueue)
	w.sealedMu.Unlock()

	if w.catalog != nil {
		err := w.catalog.RecordSeal(w.namespace, catalog.Entry{
			StartFrameNo:         sealed.StartFrameNo(),
			LastCommittedFrameNo: sealed.LastCommittedFrameNo(),
			SealedAt:             time.Now(),
		})
		if err != nil {
			level.Error(w.logger).Log("msg", "failed to record seal in catalog", "err", err)
		}
	}

	nextStart := sealed.LastCommittedFrameNo() + 1
	next, err := segment.Create(segmentPath(w.dir, nextStart), nextStart, sealed.DBSize(),
		int64(w.cfg.RotateFrames)*int64(segment.FrameSize),
		segment.WithLogger(w.logger), segment.WithMetrics(w.metrics))
	if err != nil {
		return err
	}
	w.current.Store(next)

	if w.metrics != nil {
		w.metrics.SegmentRotations.Inc()
		w.metrics.SealedQueueLength.Set(float64(queueLen))
		w.metrics.LastSegmentAgeSeconds.Set(0)
	}
	level.Debug(w.logger).Log("msg", "segment rotated", "next_start_frame_no", nextStart)
	return nil
}

// ReadPage resolves pageNo as of rt's snapshot: first the write
// transaction's own uncommitted savepoints (if wt is non-nil), then the
// live segment's index, then sealed segments newest to oldest, finally
// the base database file. Returns errs.ErrNotFound if no layer has the
// page at all (should only happen for a page number past dbSize).
func (w *SharedWal) ReadPage(rt *txn.ReadTransaction, wt *txn.WriteTransaction, pageNo uint32) ([]byte, error) {
	buf := make([]byte, segment.PageSize)

	if wt != nil {
		if offset, ok := wt.FindFrame(pageNo); ok {
			if err := wt.Log.ReadPageOffset(offset, buf); err != nil {
				return nil, err
			}
			rt.RecordPageRead()
			w.metrics.FramesRead.Inc()
			return buf, nil
		}
	}

	if offset, ok := rt.Log.Locate(pageNo, rt.MaxFrameNo); ok {
		if err := rt.Log.ReadPageOffset(offset, buf); err != nil {
			return nil, err
		}
		rt.RecordPageRead()
		w.metrics.FramesRead.Inc()
		return buf, nil
	}

	w.sealedMu.Lock()
	queue := append([]*segment.SealedSegment(nil), w.sealedQueue...)
	w.sealedMu.Unlock()
	for i := len(queue) - 1; i >= 0; i-- {
		ok, err := queue[i].ReadPage(pageNo, rt.MaxFrameNo, buf)
		if err != nil {
			return nil, err
		}
		if ok {
			rt.RecordPageRead()
			w.metrics.FramesRead.Inc()
			return buf, nil
		}
	}

	w.metrics.PagesReadFromBase.Inc()
	n, err := w.baseFile.ReadAt(buf, int64(pageNo-1)*segment.PageSize)
	if err != nil {
		if err == io.EOF || n == 0 {
			return nil, errs.ErrNotFound
		}
		return nil, errs.WrapIO("read base page", err)
	}
	if pageNo == 1 {
		w.checkPage1Sanity(buf, rt.DBSize)
	}
	rt.RecordPageRead()
	return buf, nil
}

// checkPage1Sanity cross-checks the SQLite database-size field embedded
// in page 1's header (big-endian u32 at byte offset 28) against the
// transaction's own snapshot db_size. A mismatch does not fail the
// read; it is logged as a sanity-check diagnostic since the two are
// expected to agree only once every writer's commits are visible to
// this snapshot.
func (w *SharedWal) checkPage1Sanity(page1 []byte, snapshotDBSize uint32) {
	if len(page1) < 32 {
		return
	}
	headerDBSize := uint32(page1[28])<<24 | uint32(page1[29])<<16 | uint32(page1[30])<<8 | uint32(page1[31])
	if headerDBSize != 0 && headerDBSize != snapshotDBSize {
		level.Debug(w.logger).Log("msg", "page 1 db_size disagrees with transaction snapshot",
			"header_db_size", headerDBSize, "snapshot_db_size", snapshotDBSize)
	}
}

// Shutdown seals the current segment (so the next Open recovers it as
// a proper sealed entry rather than a live segment with no index) and
// waits for any checkpoint this shutdown's own commits triggered to
// finish, then closes every segment and the base file, per spec.md's
// "seal the current segment of every namespace; wait for in-flight
// checkpoints" shutdown sequence. Call once, after all connections
// have released their transactions.
func (w *SharedWal) Shutdown() error {
	if cur := w.current.Load(); cur != nil && !cur.IsSealed() {
		sealed, err := cur.Seal()
		if err != nil {
			level.Error(w.logger).Log("msg", "failed to seal current segment on shutdown", "err", err)
		} else {
			w.sealedMu.Lock()
			w.sealedQueue = append(w.sealedQueue, sealed)
			w.sealedMu.Unlock()
			if w.catalog != nil {
				err := w.catalog.RecordSeal(w.namespace, catalog.Entry{
					StartFrameNo:         sealed.StartFrameNo(),
					LastCommittedFrameNo: sealed.LastCommittedFrameNo(),
					SealedAt:             time.Now(),
				})
				if err != nil {
					level.Error(w.logger).Log("msg", "failed to record shutdown seal in catalog", "err", err)
				}
			}
			// The segment is now closed exclusively through its sealed
			// form in sealedQueue; drop the reference Close would
			// otherwise double-close.
			w.current.Store(nil)
		}
	}

	for w.checkpointing.Load() {
		time.Sleep(time.Millisecond)
	}

	return w.Close()
}

// Close closes the current segment, every sealed segment, and the base
// database file. Safe to call once, after all connections have
// released their transactions.
func (w *SharedWal) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if cur := w.current.Load(); cur != nil {
		if err := cur.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.sealedMu.Lock()
	for _, s := range w.sealedQueue {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.sealedQueue = nil
	w.sealedMu.Unlock()
	if err := w.baseFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
