package segment

import (
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pagewal/wal/errs"
)

// SealedSegment is the immutable, indexed form of a frame file. It
// shares its read-lock counter with the live Segment it was sealed from
// (or, when opened fresh from disk, starts a new counter at zero), and
// tracks whether it has been folded into the base database file by a
// checkpoint so its file can be unlinked once no reader references it.
type SealedSegment struct {
	path string
	f    *os.File
	hdr  header
	idx  *sealedIndex

	ReadLocks *int64

	checkpointed atomic.Bool

	logger log.Logger
}

// openSealedFromLive builds a SealedSegment directly from a Segment that
// was just sealed in-process, reusing its file handle, read-lock
// counter, and already-serialized index bytes (skipping a redundant
// mmap of the blob we just wrote).
func openSealedFromLive(s *Segment, hdr header, indexBytes []byte) (*SealedSegment, error) {
	return &SealedSegment{
		path:      s.path,
		f:         s.f,
		hdr:       hdr,
		idx:       newSealedIndexFromBytes(indexBytes),
		ReadLocks: s.ReadLocks,
		logger:    s.logger,
	}, nil
}

// SealedOption configures optional dependencies for OpenSealed.
type SealedOption func(*SealedSegment)

// WithSealedLogger attaches a structured logger to a SealedSegment.
func WithSealedLogger(l log.Logger) SealedOption { return func(ss *SealedSegment) { ss.logger = l } }

// OpenSealed opens a previously-sealed segment file from disk, memory
// mapping its index blob.
func OpenSealed(path string, opts ...SealedOption) (*SealedSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.WrapIO("open sealed segment file", err)
	}
	hdrBuf := make([]byte, headerRegionSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, errs.WrapIO("read sealed segment header", err)
	}
	gen := uint32(hdrBuf[headerGenOffset]) & 1
	start := headerSlotAStart
	if gen == 1 {
		start = headerSlotBStart
	}
	hdr, err := decodeHeader(hdrBuf[start : start+headerRecordSize])
	if err != nil {
		f.Close()
		return nil, err
	}
	if hdr.IndexOffset == 0 {
		f.Close()
		return nil, errs.NewCorruption("sealed segment missing published index; run recovery instead", nil)
	}

	m, err := mmap.MapRegion(f, int(hdr.IndexSize), mmap.RDONLY, 0, int64(hdr.IndexOffset))
	if err != nil {
		f.Close()
		return nil, errs.WrapIO("mmap sealed index", err)
	}

	ss := &SealedSegment{
		path:      path,
		f:         f,
		hdr:       hdr,
		idx:       newSealedIndexFromMmap(m),
		ReadLocks: new(int64),
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(ss)
	}
	return ss, nil
}

// Path returns the backing file path.
func (ss *SealedSegment) Path() string { return ss.path }

// LastCommittedFrameNo returns the segment's last committed frame
// number.
func (ss *SealedSegment) LastCommittedFrameNo() uint64 { return ss.hdr.LastCommittedFrameNo }

// StartFrameNo returns the segment's start_frame_no.
func (ss *SealedSegment) StartFrameNo() uint64 { return ss.hdr.StartFrameNo }

// DBSize returns the segment's last committed database size in pages.
func (ss *SealedSegment) DBSize() uint32 { return ss.hdr.DBSize }

// ReadOffset reads the 4096-byte page image at the given frame slot
// offset into buf.
func (ss *SealedSegment) ReadOffset(offset uint32, buf []byte) error {
	if _, err := ss.f.ReadAt(buf, pageOffset(offset)); err != nil {
		return errs.WrapIO("read sealed page offset", err)
	}
	return nil
}

// ReadPage looks up pageNo in the sealed index and, if found and visible
// at maxFrameNo, reads its page image into buf, returning true. Returns
// false (not an error) when the segment post-dates the reader's snapshot
// or simply never wrote pageNo.
func (ss *SealedSegment) ReadPage(pageNo uint32, maxFrameNo uint64, buf []byte) (bool, error) {
	if ss.hdr.LastCommittedFrameNo > maxFrameNo {
		return false, nil
	}
	v, ok := ss.idx.get(pageNo)
	if !ok {
		return false, nil
	}
	_, offset := unpackIndexValue(v)
	if err := ss.ReadOffset(offset, buf); err != nil {
		return false, err
	}
	return true, nil
}

// ForEachIndexEntry iterates the sealed index in ascending page-number
// order, used by the checkpointer's k-way merge.
func (ss *SealedSegment) ForEachIndexEntry(fn func(pageNo uint32, value uint64)) {
	ss.idx.forEach(fn)
}

// MarkCheckpointed records that every page in this segment has been
// folded into the base database file; Close will unlink the backing
// file.
func (ss *SealedSegment) MarkCheckpointed() {
	ss.checkpointed.Store(true)
}

// Close releases resources held by the sealed segment: unmaps the
// index, closes the file descriptor, and — if MarkCheckpointed was
// called — unlinks the backing file.
func (ss *SealedSegment) Close() error {
	if err := ss.idx.close(); err != nil {
		level.Error(ss.logger).Log("msg", "failed to unmap sealed index", "path", ss.path, "err", err)
	}
	if err := ss.f.Close(); err != nil {
		return errs.WrapIO("close sealed segment", err)
	}
	if ss.checkpointed.Load() {
		if err := os.Remove(ss.path); err != nil && !os.IsNotExist(err) {
			level.Error(ss.logger).Log("msg", "failed to remove checkpointed segment file", "path", ss.path, "err", err)
			return errs.WrapIO("remove checkpointed segment", err)
		}
	}
	return nil
}
