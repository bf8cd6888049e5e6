package segment

import "encoding/binary"

// Frame layout (little-endian unless noted), exactly as specified by the
// wire format: page_no (u32 LE) | size_after (u32 LE) | 4088 bytes page
// prefix | 8 bytes frame_no (BE, overlays the SQLite page trailer).
const (
	// PageSize is the logical SQLite page size the WAL stores images
	// for.
	PageSize = 4096

	// frameHeaderSize is the fixed page_no/size_after header.
	frameHeaderSize = 8

	// frameTrailerSize is the 8-byte big-endian frame number stamped
	// over the page's trailing bytes.
	frameTrailerSize = 8

	// framePrefixSize is the portion of the page image stored verbatim
	// (the page minus the 8 bytes the frame number overlays).
	framePrefixSize = PageSize - frameTrailerSize

	// FrameSize is the total on-disk size of one frame record.
	FrameSize = frameHeaderSize + framePrefixSize + frameTrailerSize
)

// frameHeader is the 8-byte record preceding each frame's page data.
type frameHeader struct {
	PageNo    uint32
	SizeAfter uint32
}

func (h frameHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.PageNo)
	binary.LittleEndian.PutUint32(buf[4:8], h.SizeAfter)
}

func decodeFrameHeader(buf []byte) frameHeader {
	return frameHeader{
		PageNo:    binary.LittleEndian.Uint32(buf[0:4]),
		SizeAfter: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// encodeFrame lays out one frame record into buf (which must be exactly
// FrameSize bytes): the header, the page's prefix bytes, and the frame
// number big-endian trailer that overlays the page's own trailing 8
// bytes.
func encodeFrame(buf []byte, pageNo, sizeAfter uint32, page []byte, frameNo uint64) {
	if len(buf) != FrameSize {
		panic("segment: encodeFrame: bad buffer size")
	}
	if len(page) != PageSize {
		panic("segment: encodeFrame: page must be exactly PageSize bytes")
	}
	frameHeader{PageNo: pageNo, SizeAfter: sizeAfter}.encode(buf[:frameHeaderSize])
	copy(buf[frameHeaderSize:frameHeaderSize+framePrefixSize], page[:framePrefixSize])
	binary.BigEndian.PutUint64(buf[frameHeaderSize+framePrefixSize:], frameNo)
}

// frameNoAt extracts the big-endian replication index stamped in a
// decoded page buffer's trailing 8 bytes (PageSize long).
func frameNoAt(page []byte) uint64 {
	return binary.BigEndian.Uint64(page[PageSize-frameTrailerSize:])
}
