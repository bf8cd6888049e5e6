// Package segment implements the on-disk frame file layout and the live
// and sealed in-memory forms built on top of it: the segment header with
// its atomic two-slot publish scheme, the append-only frame log, the
// in-memory and on-disk page indexes, and the sequential recovery scan
// used when a segment's index was never published.
package segment

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pagewal/wal/errs"
	"github.com/pagewal/wal/metrics"
)

// Page is one page image to be appended as a frame: PageNo identifies
// the SQLite page number, Data must be exactly PageSize bytes (its
// trailing 8 bytes will be overwritten with the assigned frame number).
type Page struct {
	PageNo uint32
	Data   []byte
}

// Segment is the live, mutable, open form of a frame file. Exactly one
// Segment per namespace is "current" at any time; readers hold it open
// via a shared read-lock counter that survives the live->sealed handoff.
type Segment struct {
	path string
	f    *os.File

	startFrameNo uint64

	hdrMu     sync.Mutex
	hdr       header
	activeGen uint32 // 0 or 1; which header slot is currently authoritative

	index *pageIndex

	// ReadLocks is the read-lock counter shared between this live
	// Segment and the SealedSegment it hands off to at Seal, so that a
	// reader's reference survives rotation without re-registering.
	ReadLocks *int64

	sealed atomic.Bool

	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures optional dependencies for Create/Open/Recover.
type Option func(*Segment)

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option { return func(s *Segment) { s.logger = l } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Segment) { s.metrics = m } }

func newSegment(path string, f *os.File, opts []Option) *Segment {
	s := &Segment{
		path:      path,
		f:         f,
		index:     newPageIndex(),
		ReadLocks: new(int64),
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a brand-new segment file at path (which must not
// already exist), with the given start_frame_no (never zero) and
// starting db_size, and preallocates preallocSizeHint bytes of disk
// space for its frame region.
func Create(path string, startFrameNo uint64, dbSize uint32, preallocSizeHint int64, opts ...Option) (*Segment, error) {
	if startFrameNo == 0 {
		return nil, errs.NewCorruption("start_frame_no must not be zero", nil)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errs.WrapIO("create segment file", err)
	}
	// Preallocation is an optimization; ignore failures and proceed.
	_ = preallocate(f, headerRegionSize+preallocSizeHint)

	s := newSegment(path, f, opts)
	s.startFrameNo = startFrameNo
	s.hdr = header{StartFrameNo: startFrameNo, DBSize: dbSize}

	buf := make([]byte, headerRegionSize)
	s.hdr.encode(buf[headerSlotAStart : headerSlotAStart+headerRecordSize])
	buf[headerGenOffset] = 0
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errs.WrapIO("write initial segment header", err)
	}
	if err := fsync(f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errs.WrapIO("fsync new segment", err)
	}
	level.Debug(s.logger).Log("msg", "segment created", "path", path, "start_frame_no", startFrameNo)
	return s, nil
}

// Open reopens an existing segment file found on disk as the current
// (live) segment: if its header shows no index was ever published
// (index_offset == 0) but it has committed frames, the index is rebuilt
// by the sequential recovery scan described in SPEC_FULL.md §9.
func Open(path string, opts ...Option) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.WrapIO("open segment file", err)
	}
	s := newSegment(path, f, opts)

	hdr, gen, err := s.readHeaderFromDisk()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.hdr = hdr
	s.activeGen = gen
	s.startFrameNo = hdr.StartFrameNo

	if hdr.IndexOffset != 0 {
		// This segment was sealed; callers should be opening it via
		// OpenSealed instead, but tolerate it by treating it read-only
		// from here on.
		s.sealed.Store(true)
		return s, nil
	}

	if err := s.recoverIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// recoverIndex sequentially scans every committed frame slot from offset
// 0, validating each frame's stored trailer frame number against its
// expected position (start_frame_no + slot) and rebuilding the in-memory
// page index. It stops at the first structurally invalid or mismatched
// slot, treating everything from that point on as not-yet-committed
// (truncated write), per the open recovery-scan question in spec §9.
func (s *Segment) recoverIndex() error {
	if s.hdr.isEmpty() {
		return nil
	}
	want := s.hdr.countCommitted()
	buf := make([]byte, FrameSize)
	var lastGoodFrame uint64
	var lastGoodOffset uint32
	found := uint32(0)
	for slot := uint32(0); slot < want; slot++ {
		n, err := s.f.ReadAt(buf, byteOffset(slot))
		if err != nil || n != FrameSize {
			break
		}
		fh := decodeFrameHeader(buf[:frameHeaderSize])
		if fh.PageNo == 0 {
			break
		}
		trailerFrameNo := decodeBigEndianTrailer(buf)
		expected := s.startFrameNo + uint64(slot)
		if trailerFrameNo != expected {
			break
		}
		s.index.appendOffsetDuringRecovery(fh.PageNo, slot)
		lastGoodFrame = trailerFrameNo
		lastGoodOffset = slot
		found++
	}
	_ = lastGoodOffset
	if found < want {
		level.Warn(s.logger).Log("msg", "segment recovery truncated log", "path", s.path,
			"want_committed", want, "recovered", found)
		s.hdr.LastCommittedFrameNo = lastGoodFrame
		if found == 0 {
			s.hdr.LastCommittedFrameNo = 0
		}
	}
	return nil
}

func decodeBigEndianTrailer(frameBuf []byte) uint64 {
	trailer := frameBuf[frameHeaderSize+framePrefixSize : FrameSize]
	var v uint64
	for _, b := range trailer {
		v = v<<8 | uint64(b)
	}
	return v
}

// readHeaderFromDisk reads the generation byte and the slot it selects.
func (s *Segment) readHeaderFromDisk() (header, uint32, error) {
	buf := make([]byte, headerRegionSize)
	if _, err := s.f.ReadAt(buf, 0); err != nil {
		return header{}, 0, errs.WrapIO("read segment header", err)
	}
	gen := uint32(buf[headerGenOffset]) & 1
	start, end := headerSlotAStart, headerSlotAStart+headerRecordSize
	if gen == 1 {
		start, end = headerSlotBStart, headerSlotBStart+headerRecordSize
	}
	hdr, err := decodeHeader(buf[start:end])
	if err != nil {
		return header{}, 0, err
	}
	return hdr, gen, nil
}

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// StartFrameNo returns the immutable start_frame_no of this segment.
func (s *Segment) StartFrameNo() uint64 { return s.startFrameNo }

// IsSealed reports whether Seal has completed on this segment.
func (s *Segment) IsSealed() bool { return s.sealed.Load() }

// BeginReadInfos returns (last_committed_frame_no, db_size) as of now,
// used by BeginRead to build a read transaction's snapshot bounds.
func (s *Segment) BeginReadInfos() (uint64, uint32) {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	return s.hdr.lastCommitted(), s.hdr.DBSize
}

// LastCommitted returns the last committed frame number.
func (s *Segment) LastCommitted() uint64 {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	return s.hdr.lastCommitted()
}

// NextFrameNo returns the frame number the next appended frame will
// receive.
func (s *Segment) NextFrameNo() uint64 {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	return s.hdr.nextFrameNo()
}

// DBSize returns the last committed database size in pages.
func (s *Segment) DBSize() uint32 {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	return s.hdr.DBSize
}

// FramesInLog returns the number of committed frame slots in this
// segment, i.e. the slot offset the next transaction starts writing at.
// Frames appended by a writer that has not yet committed are not
// counted.
func (s *Segment) FramesInLog() uint32 {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()
	return s.hdr.countCommitted()
}

// Locate consults the in-memory page index for the greatest offset
// recording a write to pageNo visible at maxFrameNo.
func (s *Segment) Locate(pageNo uint32, maxFrameNo uint64) (uint32, bool) {
	return s.index.locate(pageNo, s.startFrameNo, maxFrameNo)
}

// ReadPageOffset reads the 4096-byte page image stored at the frame slot
// offset into buf.
func (s *Segment) ReadPageOffset(offset uint32, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("segment: ReadPageOffset: buf must be PageSize bytes")
	}
	if _, err := s.f.ReadAt(buf, pageOffset(offset)); err != nil {
		return errs.WrapIO("read page offset", err)
	}
	return nil
}

// AppendFrame writes one frame at the given slot offset, stamping the
// page's trailing 8 bytes with frameNo. It performs no index mutation:
// callers assemble the winning per-page offsets and call MergeWinners
// once the whole batch (and any prior savepoints in the transaction) are
// known, followed by CommitHeader to publish visibility. Returns an
// error without touching any index or header state on I/O failure, so
// an aborted insert never produces a partially-visible commit.
func (s *Segment) AppendFrame(pageNo, sizeAfter uint32, page []byte, frameNo uint64, offset uint32) error {
	if s.sealed.Load() {
		return errs.ErrReadOnly
	}
	buf := make([]byte, FrameSize)
	encodeFrame(buf, pageNo, sizeAfter, page, frameNo)
	copy(page[framePrefixSize:], buf[frameHeaderSize+framePrefixSize:])
	if _, err := s.f.WriteAt(buf, byteOffset(offset)); err != nil {
		return errs.WrapIO("append frame", err)
	}
	if s.metrics != nil {
		s.metrics.FramesWritten.Inc()
		s.metrics.BytesWritten.Add(float64(FrameSize))
	}
	return nil
}

// MergeWinners folds the resolved (newest-wins) per-page offsets from a
// committing transaction into the live in-memory index. Must be called
// holding the writer lock, before CommitHeader.
func (s *Segment) MergeWinners(winners map[uint32]uint32) {
	s.index.mergeWinners(winners)
}

// CommitHeader atomically publishes a new header recording
// last_committed_frame_no and db_size. Per the ordering requirement in
// spec §4.1, this MUST be the last step of a commit: once this returns,
// any reader attaching to this segment can observe the new frames.
func (s *Segment) CommitHeader(lastCommittedFrameNo uint64, dbSize uint32) error {
	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()

	newHdr := s.hdr
	newHdr.LastCommittedFrameNo = lastCommittedFrameNo
	newHdr.DBSize = dbSize

	nextGen := 1 - s.activeGen
	slotStart := headerSlotAStart
	if nextGen == 1 {
		slotStart = headerSlotBStart
	}
	rec := make([]byte, headerRecordSize)
	newHdr.encode(rec)
	if _, err := s.f.WriteAt(rec, int64(slotStart)); err != nil {
		return errs.WrapIO("write shadow header slot", err)
	}
	if err := fsync(s.f); err != nil {
		return errs.WrapIO("fsync shadow header slot", err)
	}
	if _, err := s.f.WriteAt([]byte{byte(nextGen)}, headerGenOffset); err != nil {
		return errs.WrapIO("flip header generation", err)
	}
	if err := fsync(s.f); err != nil {
		return errs.WrapIO("fsync header generation flip", err)
	}

	s.activeGen = nextGen
	s.hdr = newHdr
	if s.metrics != nil {
		s.metrics.Commits.Inc()
	}
	return nil
}

// Seal transitions the segment from live to sealed exactly once,
// serializes the in-memory page index as the immutable on-disk table,
// and republishes the header with index_offset/index_size populated.
// Returns a SealedSegment sharing this segment's read-lock counter so
// that in-flight readers seamlessly continue to see this segment's
// frames without re-registering.
func (s *Segment) Seal() (*SealedSegment, error) {
	if !s.sealed.CompareAndSwap(false, true) {
		return nil, errs.NewCorruption("attempt to seal an already-sealed segment", nil)
	}

	s.hdrMu.Lock()
	defer s.hdrMu.Unlock()

	indexBytes := buildSealedIndex(s.index)
	indexOffset := byteOffset(s.hdr.countCommitted())
	if _, err := s.f.WriteAt(indexBytes, indexOffset); err != nil {
		return nil, errs.WrapIO("write sealed index", err)
	}
	if err := fsync(s.f); err != nil {
		return nil, errs.WrapIO("fsync sealed index", err)
	}

	newHdr := s.hdr
	newHdr.IndexOffset = uint64(indexOffset)
	newHdr.IndexSize = uint64(len(indexBytes))

	nextGen := 1 - s.activeGen
	slotStart := headerSlotAStart
	if nextGen == 1 {
		slotStart = headerSlotBStart
	}
	rec := make([]byte, headerRecordSize)
	newHdr.encode(rec)
	if _, err := s.f.WriteAt(rec, int64(slotStart)); err != nil {
		return nil, errs.WrapIO("write sealed header slot", err)
	}
	if err := fsync(s.f); err != nil {
		return nil, errs.WrapIO("fsync sealed header slot", err)
	}
	if _, err := s.f.WriteAt([]byte{byte(nextGen)}, headerGenOffset); err != nil {
		return nil, errs.WrapIO("flip sealed header generation", err)
	}
	if err := fsync(s.f); err != nil {
		return nil, errs.WrapIO("fsync sealed header generation flip", err)
	}
	s.activeGen = nextGen
	s.hdr = newHdr

	if s.metrics != nil {
		s.metrics.SegmentsSealed.Inc()
	}
	level.Debug(s.logger).Log("msg", "segment sealed", "path", s.path,
		"last_committed_frame_no", newHdr.LastCommittedFrameNo)

	return openSealedFromLive(s, newHdr, indexBytes)
}

// Close releases the underlying file descriptor. Safe to call once the
// segment is no longer reachable as current or in the sealed queue.
func (s *Segment) Close() error {
	return s.f.Close()
}
