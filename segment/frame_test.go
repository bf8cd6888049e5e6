package segment

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(PageSize, PageSize)

	var pageNo, sizeAfter uint32
	var frameNo uint64
	f.Fuzz(&pageNo)
	f.Fuzz(&sizeAfter)
	f.Fuzz(&frameNo)

	page := make([]byte, PageSize)
	f.Fuzz(&page)

	buf := make([]byte, FrameSize)
	encodeFrame(buf, pageNo, sizeAfter, page, frameNo)

	require.Len(t, buf, FrameSize)

	fh := decodeFrameHeader(buf[:frameHeaderSize])
	require.Equal(t, pageNo, fh.PageNo)
	require.Equal(t, sizeAfter, fh.SizeAfter)

	got := decodeBigEndianTrailer(buf)
	require.Equal(t, frameNo, got)

	prefix := buf[frameHeaderSize : frameHeaderSize+framePrefixSize]
	require.Equal(t, page[:framePrefixSize], prefix)
}

func TestEncodeFramePanicsOnWrongSizes(t *testing.T) {
	require.Panics(t, func() {
		encodeFrame(make([]byte, FrameSize-1), 1, 1, make([]byte, PageSize), 1)
	})
	require.Panics(t, func() {
		encodeFrame(make([]byte, FrameSize), 1, 1, make([]byte, PageSize-1), 1)
	})
}

func TestFrameNoAt(t *testing.T) {
	page := make([]byte, PageSize)
	for i := range page[:framePrefixSize] {
		page[i] = byte(i)
	}
	buf := make([]byte, FrameSize)
	encodeFrame(buf, 7, 8, page, 0x0102030405060708)

	decoded := make([]byte, PageSize)
	copy(decoded, buf[frameHeaderSize:frameHeaderSize+framePrefixSize])
	copy(decoded[framePrefixSize:], buf[frameHeaderSize+framePrefixSize:])

	require.Equal(t, uint64(0x0102030405060708), frameNoAt(decoded))
}
