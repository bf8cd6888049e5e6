package segment

import (
	"encoding/binary"

	"github.com/pagewal/wal/errs"
)

// Segment header fields, exactly as specified by the wire format:
//
//	offset  size  field
//	0       8     start_frame_no (u64, LE)
//	8       8     last_committed_frame_no (u64, LE)
//	16      4     db_size (u32, LE)
//	20      8     index_offset (u64, LE; 0 = unsealed)
//	28      8     index_size (u64, LE)
const headerRecordSize = 36

// Commit visibility depends on this 36-byte record being observed
// atomically by readers. Most filesystems don't guarantee an atomic write
// wider than a handful of bytes, so the header lives in two fixed slots
// behind a single generation byte: a writer publishes by writing the
// inactive slot, fsyncing, then flipping the generation byte (and
// fsyncing again). A reader that reads the generation byte and then the
// corresponding slot always observes a complete, self-consistent record.
const (
	headerGenOffset  = 0
	headerSlotAStart = 8
	headerSlotBStart = headerSlotAStart + headerRecordSize
	// headerRegionSize is padded out to a frame-boundary-friendly size;
	// frames begin immediately after it.
	headerRegionSize = 128
)

// header is the in-memory decoded form of a segment header record.
type header struct {
	StartFrameNo          uint64
	LastCommittedFrameNo  uint64
	DBSize                uint32
	IndexOffset           uint64
	IndexSize             uint64
}

func (h header) isEmpty() bool { return h.LastCommittedFrameNo == 0 }

// lastCommitted returns the last frame number this segment has
// committed, or StartFrameNo-1 if the segment is still empty (i.e. the
// last frame committed by the *previous* segment).
func (h header) lastCommitted() uint64 {
	if h.isEmpty() {
		return h.StartFrameNo - 1
	}
	return h.LastCommittedFrameNo
}

// nextFrameNo returns the frame number that the next appended frame will
// receive.
func (h header) nextFrameNo() uint64 {
	if h.isEmpty() {
		return h.StartFrameNo
	}
	return h.LastCommittedFrameNo + 1
}

// countCommitted returns the number of frames committed in this segment
// (i.e. the next free slot offset).
func (h header) countCommitted() uint32 {
	if h.isEmpty() {
		return 0
	}
	return uint32(h.LastCommittedFrameNo - h.StartFrameNo + 1)
}

func (h header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[8:16], h.LastCommittedFrameNo)
	binary.LittleEndian.PutUint32(buf[16:20], h.DBSize)
	binary.LittleEndian.PutUint64(buf[20:28], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[28:36], h.IndexSize)
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerRecordSize {
		return header{}, errs.NewCorruption("short segment header record", nil)
	}
	return header{
		StartFrameNo:         binary.LittleEndian.Uint64(buf[0:8]),
		LastCommittedFrameNo: binary.LittleEndian.Uint64(buf[8:16]),
		DBSize:               binary.LittleEndian.Uint32(buf[16:20]),
		IndexOffset:          binary.LittleEndian.Uint64(buf[20:28]),
		IndexSize:            binary.LittleEndian.Uint64(buf[28:36]),
	}, nil
}

// byteOffset returns the absolute file offset of the frame slot at the
// given 0-based offset.
func byteOffset(slot uint32) int64 {
	return int64(headerRegionSize) + int64(slot)*int64(FrameSize)
}

// pageOffset returns the absolute file offset of the page data within
// the frame slot at the given offset (i.e. past the 8-byte frame
// header).
func pageOffset(slot uint32) int64 {
	return byteOffset(slot) + frameHeaderSize
}
