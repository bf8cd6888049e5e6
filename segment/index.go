package segment

import (
	"sync"

	"github.com/benbjohnson/immutable"
)

// pageIndex is the in-memory index of a live segment: an ordered map from
// page number to the append-only list of slot offsets at which that page
// was written, newest last. It is read under a read lock during lookups
// and mutated only under the writer lock during commit-merge, per the
// spec's "reader/writer lock, readers during lookup, writer only during
// commit-merge" resource model.
type pageIndex struct {
	mu sync.RWMutex
	m  *immutable.SortedMap[uint32, []uint32]
}

func newPageIndex() *pageIndex {
	return &pageIndex{m: immutable.NewSortedMap[uint32, []uint32](nil)}
}

// locate returns the greatest offset recorded for pageNo whose
// corresponding frame number (startFrameNo+offset) is <= maxFrameNo, and
// whether an entry was found at all.
func (idx *pageIndex) locate(pageNo uint32, startFrameNo, maxFrameNo uint64) (uint32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	offsets, ok := idx.m.Get(pageNo)
	if !ok {
		return 0, false
	}
	for i := len(offsets) - 1; i >= 0; i-- {
		if startFrameNo+uint64(offsets[i]) <= maxFrameNo {
			return offsets[i], true
		}
	}
	return 0, false
}

// forEach iterates the index in page-number order, invoking fn with the
// newest (last) recorded offset for each page. Used to build the sealed
// on-disk index at seal time.
func (idx *pageIndex) forEach(fn func(pageNo uint32, lastOffset uint32)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	iter := idx.m.Iterator()
	for !iter.Done() {
		pageNo, offsets, _ := iter.Next()
		if len(offsets) == 0 {
			continue
		}
		fn(pageNo, offsets[len(offsets)-1])
	}
}

// appendOffsetDuringRecovery records a single recovered (pageNo, offset)
// pair while rebuilding the index by sequential scan. Offsets must be
// supplied in ascending slot order, matching the scan's forward
// direction.
func (idx *pageIndex) appendOffsetDuringRecovery(pageNo uint32, offset uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	existing, _ := idx.m.Get(pageNo)
	idx.m = idx.m.Set(pageNo, append(append([]uint32(nil), existing...), offset))
}

// mergeWinners appends one offset per page into the live index: the
// caller (the txn package) has already resolved which savepoint's write
// wins for each page number. Must be called under the writer lock.
func (idx *pageIndex) mergeWinners(winners map[uint32]uint32) {
	if len(winners) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for pageNo, offset := range winners {
		existing, _ := idx.m.Get(pageNo)
		idx.m = idx.m.Set(pageNo, append(append([]uint32(nil), existing...), offset))
	}
}
