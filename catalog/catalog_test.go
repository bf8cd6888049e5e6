package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordSealAndSegmentCount(t *testing.T) {
	c := openTestCatalog(t)

	count, err := c.SegmentCount("db1")
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, c.RecordSeal("db1", Entry{StartFrameNo: 1, LastCommittedFrameNo: 10, SealedAt: time.Unix(1000, 0)}))
	require.NoError(t, c.RecordSeal("db1", Entry{StartFrameNo: 11, LastCommittedFrameNo: 20, SealedAt: time.Unix(2000, 0)}))

	count, err = c.SegmentCount("db1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// A second namespace must not see db1's entries.
	count, err = c.SegmentCount("db2")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCheckpointWatermarkDefaultsToZero(t *testing.T) {
	c := openTestCatalog(t)

	w, err := c.CheckpointWatermark("unknown-namespace")
	require.NoError(t, err)
	require.Zero(t, w)
}

func TestRecordCheckpointAdvancesWatermarkAndPrunesSegments(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.RecordSeal("db1", Entry{StartFrameNo: 1, LastCommittedFrameNo: 10}))
	require.NoError(t, c.RecordSeal("db1", Entry{StartFrameNo: 11, LastCommittedFrameNo: 20}))
	require.NoError(t, c.RecordSeal("db1", Entry{StartFrameNo: 21, LastCommittedFrameNo: 30}))

	require.NoError(t, c.RecordCheckpoint("db1", 20))

	watermark, err := c.CheckpointWatermark("db1")
	require.NoError(t, err)
	require.EqualValues(t, 20, watermark)

	// The two segments folded into the checkpoint are pruned; the one
	// past the watermark survives.
	count, err := c.SegmentCount("db1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestNamespacesAreIndependent(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.RecordSeal("db1", Entry{StartFrameNo: 1, LastCommittedFrameNo: 5}))
	require.NoError(t, c.RecordCheckpoint("db1", 5))

	w1, err := c.CheckpointWatermark("db1")
	require.NoError(t, err)
	require.EqualValues(t, 5, w1)

	w2, err := c.CheckpointWatermark("db2")
	require.NoError(t, err)
	require.Zero(t, w2)
}
