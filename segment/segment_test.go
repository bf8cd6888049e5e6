package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePage(fill byte) []byte {
	p := make([]byte, PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestCreateAppendCommitReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000000000001.seg")

	s, err := Create(path, 1, 0, int64(8*FrameSize))
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, uint64(1), s.StartFrameNo())
	require.Equal(t, uint64(0), s.LastCommitted())
	require.Equal(t, uint64(1), s.NextFrameNo())

	page := samplePage(0xAB)
	require.NoError(t, s.AppendFrame(10, 1, page, 1, 0))

	s.MergeWinners(map[uint32]uint32{10: 0})
	require.NoError(t, s.CommitHeader(1, 1))

	require.Equal(t, uint64(1), s.LastCommitted())
	require.Equal(t, uint64(2), s.NextFrameNo())

	offset, ok := s.Locate(10, 1)
	require.True(t, ok)
	require.Equal(t, uint32(0), offset)

	buf := make([]byte, PageSize)
	require.NoError(t, s.ReadPageOffset(offset, buf))
	require.Equal(t, page, buf)

	_, ok = s.Locate(11, 1)
	require.False(t, ok)
}

func TestAppendFrameRejectedOnceSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000000000001.seg")
	s, err := Create(path, 1, 0, int64(4*FrameSize))
	require.NoError(t, err)

	page := samplePage(1)
	require.NoError(t, s.AppendFrame(1, 1, page, 1, 0))
	s.MergeWinners(map[uint32]uint32{1: 0})
	require.NoError(t, s.CommitHeader(1, 1))

	sealed, err := s.Seal()
	require.NoError(t, err)
	defer sealed.Close()

	require.True(t, s.IsSealed())
	err = s.AppendFrame(2, 1, page, 2, 1)
	require.Error(t, err)

	_, err = s.Seal()
	require.Error(t, err, "sealing twice must fail")
}

func TestSealThenOpenSealedReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000000000001.seg")
	s, err := Create(path, 1, 0, int64(4*FrameSize))
	require.NoError(t, err)

	pageA := samplePage(0x11)
	pageB := samplePage(0x22)
	require.NoError(t, s.AppendFrame(1, 2, pageA, 1, 0))
	require.NoError(t, s.AppendFrame(2, 2, pageB, 2, 1))
	s.MergeWinners(map[uint32]uint32{1: 0, 2: 1})
	require.NoError(t, s.CommitHeader(2, 2))

	sealed, err := s.Seal()
	require.NoError(t, err)
	require.NoError(t, sealed.Close())

	reopened, err := OpenSealed(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(1), reopened.StartFrameNo())
	require.Equal(t, uint64(2), reopened.LastCommittedFrameNo())
	require.Equal(t, uint32(2), reopened.DBSize())

	buf := make([]byte, PageSize)
	ok, err := reopened.ReadPage(1, 2, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pageA, buf)

	ok, err = reopened.ReadPage(2, 1, buf)
	require.NoError(t, err)
	require.False(t, ok, "page 2's writing frame postdates max_frame_no=1")
}

func TestRecoverIndexIgnoresUncommittedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000000000001.seg")
	s, err := Create(path, 1, 0, int64(4*FrameSize))
	require.NoError(t, err)

	page := samplePage(0x33)
	require.NoError(t, s.AppendFrame(1, 1, page, 1, 0))
	s.MergeWinners(map[uint32]uint32{1: 0})
	require.NoError(t, s.CommitHeader(1, 1))

	// A second frame physically appended but never reflected in a
	// committed header, as if the process crashed between AppendFrame
	// and CommitHeader.
	page2 := samplePage(0x44)
	require.NoError(t, s.AppendFrame(2, 2, page2, 2, 1))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(1), reopened.LastCommitted())
	offset, ok := reopened.Locate(1, 1)
	require.True(t, ok)
	require.Equal(t, uint32(0), offset)

	_, ok = reopened.Locate(2, 2)
	require.False(t, ok, "uncommitted frame must not be recovered into the index")
}

func TestMergeWinnersNewestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000000000001.seg")
	s, err := Create(path, 1, 0, int64(8*FrameSize))
	require.NoError(t, err)
	defer s.Close()

	page1 := samplePage(1)
	page2 := samplePage(2)
	require.NoError(t, s.AppendFrame(7, 1, page1, 1, 0))
	s.MergeWinners(map[uint32]uint32{7: 0})
	require.NoError(t, s.CommitHeader(1, 1))

	require.NoError(t, s.AppendFrame(7, 1, page2, 2, 1))
	s.MergeWinners(map[uint32]uint32{7: 1})
	require.NoError(t, s.CommitHeader(2, 1))

	offset, ok := s.Locate(7, 2)
	require.True(t, ok)
	require.Equal(t, uint32(1), offset)

	offset, ok = s.Locate(7, 1)
	require.True(t, ok)
	require.Equal(t, uint32(0), offset, "at max_frame_no=1 only the first write to page 7 is visible")
}
