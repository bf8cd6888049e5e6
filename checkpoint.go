// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pagewal/wal/errs"
	"github.com/pagewal/wal/metrics"
	"github.com/pagewal/wal/segment"
)

// Checkpointer folds the oldest sealed segments of a namespace into its
// base database file, in newest-wins order, once no in-flight reader
// still references them.
type Checkpointer struct {
	logger  log.Logger
	metrics *metrics.Metrics
}

// NewCheckpointer builds a Checkpointer.
func NewCheckpointer(logger log.Logger, m *metrics.Metrics) *Checkpointer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Checkpointer{logger: logger, metrics: m}
}

// segEntry is one (page_no, packed value) pair read out of a sealed
// segment's on-disk index.
type segEntry struct {
	pageNo uint32
	value  uint64
}

// mergeItem is one sealed segment's position within the k-way merge:
// its remaining entries and its rank (higher rank == sealed more
// recently, so wins ties on page number).
type mergeItem struct {
	seg     *segment.SealedSegment
	entries []segEntry
	pos     int
	rank    int
}

// mergeHeap is a min-heap ordered by (page_no ascending, rank
// descending) so that Pop always yields the next page number to
// checkpoint, and among duplicate page numbers the newest segment's
// entry comes first.
type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].entries[h[i].pos], h[j].entries[h[j].pos]
	if a.pageNo != b.pageNo {
		return a.pageNo < b.pageNo
	}
	return h[i].rank > h[j].rank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func collectEntries(seg *segment.SealedSegment) []segEntry {
	var entries []segEntry
	seg.ForEachIndexEntry(func(pageNo uint32, value uint64) {
		entries = append(entries, segEntry{pageNo: pageNo, value: value})
	})
	return entries
}

// Run checkpoints the prefix of w's sealed queue that has zero
// outstanding readers, provided the queue is at least
// w.cfg.CheckpointSegments long. It is a no-op (not an error) if there
// is nothing eligible. On any I/O failure the base file is left exactly
// as it was before the failing write landed conceptually (individual
// page writes before the failure may already be on disk, but the queue
// is not popped and the next run will simply redo the same
// deterministic merge), per the checkpoint's idempotence requirement.
//
// Run single-flights against w: if a checkpoint (triggered by a commit
// or by another explicit caller) is already in progress for this
// namespace, this call is a no-op rather than racing it over the same
// sealedQueue and base file.
func (c *Checkpointer) Run(w *SharedWal) error {
	if !w.checkpointing.CompareAndSwap(false, true) {
		return nil
	}
	defer w.checkpointing.Store(false)

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
		}
	}()

	w.sealedMu.Lock()
	queue := append([]*segment.SealedSegment(nil), w.sealedQueue...)
	w.sealedMu.Unlock()

	if len(queue) < w.cfg.CheckpointSegments {
		return nil
	}

	var eligible []*segment.SealedSegment
	for _, s := range queue {
		if atomic.LoadInt64(s.ReadLocks) != 0 {
			break
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return nil
	}

	h := &mergeHeap{}
	heap.Init(h)
	for rank, s := range eligible {
		entries := collectEntries(s)
		if len(entries) > 0 {
			heap.Push(h, &mergeItem{seg: s, entries: entries, pos: 0, rank: rank})
		}
	}

	buf := make([]byte, segment.PageSize)
	pagesWritten := 0
	first := true
	var lastPageNo uint32
	for h.Len() > 0 {
		it := heap.Pop(h).(*mergeItem)
		e := it.entries[it.pos]
		if it.pos+1 < len(it.entries) {
			it.pos++
			heap.Push(h, it)
		}
		if !first && e.pageNo == lastPageNo {
			continue
		}
		first = false
		lastPageNo = e.pageNo

		_, offset := segment.DecodeIndexValue(e.value)
		if err := it.seg.ReadOffset(offset, buf); err != nil {
			return errs.WrapIO("checkpoint read page", err)
		}
		if _, err := w.baseFile.WriteAt(buf, int64(e.pageNo-1)*segment.PageSize); err != nil {
			return errs.WrapIO("checkpoint write base page", err)
		}
		pagesWritten++
	}

	if err := w.baseFile.Sync(); err != nil {
		return errs.WrapIO("fsync base database file", err)
	}

	lastEligible := eligible[len(eligible)-1]
	w.sealedMu.Lock()
	w.sealedQueue = w.sealedQueue[len(eligible):]
	remaining := len(w.sealedQueue)
	w.sealedMu.Unlock()

	for _, s := range eligible {
		s.MarkCheckpointed()
		if err := s.Close(); err != nil {
			level.Error(c.logger).Log("msg", "failed to close checkpointed segment", "err", err)
		}
	}

	if w.catalog != nil {
		if err := w.catalog.RecordCheckpoint(w.namespace, lastEligible.LastCommittedFrameNo()); err != nil {
			level.Error(c.logger).Log("msg", "failed to record checkpoint watermark", "err", err)
		}
	}

	if c.metrics != nil {
		c.metrics.SegmentsCheckpointed.Add(float64(len(eligible)))
		c.metrics.CheckpointPages.Add(float64(pagesWritten))
		c.metrics.SealedQueueLength.Set(float64(remaining))
	}
	level.Info(c.logger).Log("msg", "checkpoint complete", "namespace", w.namespace,
		"segments", len(eligible), "pages", pagesWritten, "up_to_frame_no", lastEligible.LastCommittedFrameNo())
	return nil
}

// RunEvery drives periodic checkpointing of w until ctx is done,
// sleeping interval between attempts. Intended to run in its own
// goroutine per namespace, mirroring the teacher's background rotation
// goroutine.
func (c *Checkpointer) RunEvery(ctx context.Context, w *SharedWal, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(w); err != nil {
				level.Error(c.logger).Log("msg", "checkpoint run failed", "namespace", w.namespace, "err", err)
			}
		}
	}
}
