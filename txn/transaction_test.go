package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagewal/wal/segment"
)

func openTestSegment(t *testing.T) *segment.Segment {
	t.Helper()
	path := t.TempDir() + "/000000000000000001.seg"
	s, err := segment.Create(path, 1, 0, int64(8*segment.FrameSize))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadTransactionCloneRefcounts(t *testing.T) {
	s := openTestSegment(t)
	rt := NewReadTransaction(s, 0, 0, 1)
	*s.ReadLocks = 1

	clone := rt.Clone()
	require.EqualValues(t, 2, *s.ReadLocks)

	clone.Close()
	require.EqualValues(t, 1, *s.ReadLocks)

	rt.Close()
	require.EqualValues(t, 0, *s.ReadLocks)
}

func TestWriteTransactionSavepointRollback(t *testing.T) {
	s := openTestSegment(t)
	rt := NewReadTransaction(s, 0, 0, 1)
	wt := NewWriteTransaction(100, rt, 0, 1)

	wt.RecordWrite(10, 0)
	wt.NextOffset++
	wt.NextFrameNo++

	sp := wt.Begin()
	wt.RecordWrite(10, 1)
	wt.RecordWrite(11, 2)
	wt.NextOffset += 2
	wt.NextFrameNo += 2

	offset, ok := wt.FindFrame(10)
	require.True(t, ok)
	require.EqualValues(t, 1, offset, "innermost savepoint's write wins before rollback")

	wt.Rollback(sp)

	offset, ok = wt.FindFrame(10)
	require.True(t, ok)
	require.EqualValues(t, 0, offset, "savepoint's writes discarded on rollback")

	_, ok = wt.FindFrame(11)
	require.False(t, ok, "page only written within the rolled-back savepoint must disappear")

	require.EqualValues(t, 1, wt.NextOffset)
	require.EqualValues(t, 2, wt.NextFrameNo)
}

func TestResolveWinnersNewestSavepointWins(t *testing.T) {
	s := openTestSegment(t)
	rt := NewReadTransaction(s, 0, 0, 1)
	wt := NewWriteTransaction(100, rt, 0, 1)

	wt.RecordWrite(5, 0)
	wt.Begin()
	wt.RecordWrite(5, 1)
	wt.RecordWrite(6, 2)

	winners := wt.ResolveWinners()
	require.Equal(t, map[uint32]uint32{5: 1, 6: 2}, winners)
}

func TestHasBufferedWrites(t *testing.T) {
	s := openTestSegment(t)
	rt := NewReadTransaction(s, 0, 0, 1)
	wt := NewWriteTransaction(100, rt, 0, 1)
	require.False(t, wt.HasBufferedWrites())

	wt.RecordWrite(1, 0)
	require.True(t, wt.HasBufferedWrites())
}

func TestRollbackInvalidSavepointPanics(t *testing.T) {
	s := openTestSegment(t)
	rt := NewReadTransaction(s, 0, 0, 1)
	wt := NewWriteTransaction(100, rt, 0, 1)
	require.Panics(t, func() { wt.Rollback(5) })
}
