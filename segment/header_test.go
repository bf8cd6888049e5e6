package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{
		StartFrameNo:         1,
		LastCommittedFrameNo: 42,
		DBSize:               17,
		IndexOffset:          9999,
		IndexSize:            120,
	}
	buf := make([]byte, headerRecordSize)
	h.encode(buf)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := decodeHeader(make([]byte, headerRecordSize-1))
	require.Error(t, err)
}

func TestHeaderEmptySegment(t *testing.T) {
	h := header{StartFrameNo: 5}
	require.True(t, h.isEmpty())
	require.Equal(t, uint64(4), h.lastCommitted())
	require.Equal(t, uint64(5), h.nextFrameNo())
	require.Equal(t, uint32(0), h.countCommitted())
}

func TestHeaderNonEmptySegment(t *testing.T) {
	h := header{StartFrameNo: 5, LastCommittedFrameNo: 9}
	require.False(t, h.isEmpty())
	require.Equal(t, uint64(9), h.lastCommitted())
	require.Equal(t, uint64(10), h.nextFrameNo())
	require.Equal(t, uint32(5), h.countCommitted())
}

func TestByteOffsetAndPageOffset(t *testing.T) {
	require.Equal(t, int64(headerRegionSize), byteOffset(0))
	require.Equal(t, int64(headerRegionSize)+int64(FrameSize), byteOffset(1))
	require.Equal(t, byteOffset(3)+frameHeaderSize, pageOffset(3))
}
