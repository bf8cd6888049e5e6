package segment

import (
	"encoding/binary"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// The sealed, on-disk index is a flat table of fixed-width records sorted
// by big-endian page number, enabling O(log n) point lookup via binary
// search and O(n) ordered iteration for the checkpoint union merge. Each
// record is:
//
//	page_no   u32 BE   4 bytes
//	value     u64 LE   8 bytes  -- (frame_no_delta << 32) | offset
const sealedIndexRecordSize = 4 + 8

// packIndexValue combines a frame-number delta (relative to the
// segment's start_frame_no) and a slot offset into the single on-disk
// value, per the wire format in spec §3/§6.
func packIndexValue(frameNoDelta, offset uint32) uint64 {
	return uint64(frameNoDelta)<<32 | uint64(offset)
}

// unpackIndexValue splits a packed on-disk index value back into its
// frame-number delta and slot offset.
func unpackIndexValue(v uint64) (frameNoDelta, offset uint32) {
	return uint32(v >> 32), uint32(v & 0xffffffff)
}

// DecodeIndexValue is the exported form of unpackIndexValue, used by
// the checkpointer to turn the raw values yielded by
// SealedSegment.ForEachIndexEntry back into a frame-number delta and
// slot offset.
func DecodeIndexValue(v uint64) (frameNoDelta, offset uint32) {
	return unpackIndexValue(v)
}

// buildSealedIndex serializes idx (a live segment's in-memory page index)
// into the flat sorted table described above. Entries are naturally
// emitted in ascending page-number order because pageIndex.forEach
// iterates an ordered map.
func buildSealedIndex(idx *pageIndex) []byte {
	var recs [][2]uint32 // pageNo, offset, collected then sorted defensively
	idx.forEach(func(pageNo uint32, lastOffset uint32) {
		recs = append(recs, [2]uint32{pageNo, lastOffset})
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i][0] < recs[j][0] })

	buf := make([]byte, len(recs)*sealedIndexRecordSize)
	for i, r := range recs {
		pageNo, offset := r[0], r[1]
		rec := buf[i*sealedIndexRecordSize : (i+1)*sealedIndexRecordSize]
		binary.BigEndian.PutUint32(rec[0:4], pageNo)
		binary.LittleEndian.PutUint64(rec[4:12], packIndexValue(offset, offset))
	}
	return buf
}

// sealedIndex is a read-only view over a serialized sealed index table,
// either memory-mapped from a sealed segment file or held as a plain
// in-memory slice (used for a segment sealed in-process, whose index
// bytes were just built in memory).
type sealedIndex struct {
	data []byte
	mm   mmap.MMap // non-nil when data backs onto a live mmap that must be unmapped
}

func newSealedIndexFromBytes(b []byte) *sealedIndex {
	return &sealedIndex{data: b}
}

func newSealedIndexFromMmap(m mmap.MMap) *sealedIndex {
	return &sealedIndex{data: []byte(m), mm: m}
}

func (s *sealedIndex) close() error {
	if s.mm != nil {
		return s.mm.Unmap()
	}
	return nil
}

func (s *sealedIndex) len() int {
	return len(s.data) / sealedIndexRecordSize
}

func (s *sealedIndex) recordAt(i int) (pageNo uint32, value uint64) {
	rec := s.data[i*sealedIndexRecordSize : (i+1)*sealedIndexRecordSize]
	return binary.BigEndian.Uint32(rec[0:4]), binary.LittleEndian.Uint64(rec[4:12])
}

// get performs a binary search for pageNo, returning its packed value.
func (s *sealedIndex) get(pageNo uint32) (uint64, bool) {
	n := s.len()
	i := sort.Search(n, func(i int) bool {
		p, _ := s.recordAt(i)
		return p >= pageNo
	})
	if i >= n {
		return 0, false
	}
	p, v := s.recordAt(i)
	if p != pageNo {
		return 0, false
	}
	return v, true
}

// forEach iterates every (pageNo, value) record in ascending page-number
// order, used by the checkpointer's k-way merge.
func (s *sealedIndex) forEach(fn func(pageNo uint32, value uint64)) {
	n := s.len()
	for i := 0; i < n; i++ {
		p, v := s.recordAt(i)
		fn(p, v)
	}
}
