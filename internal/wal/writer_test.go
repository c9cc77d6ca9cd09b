package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftstore/rfengine/internal/raftlog"
	"github.com/raftstore/rfengine/internal/region"
)

func batchWithOps(regionID uint64, from, to uint64) *region.Batch {
	b := region.NewBatch(regionID)
	for i := from; i <= to; i++ {
		b.AppendRaftLog(raftlog.Op{Index: i, Term: 1, Data: []byte("x")})
	}
	return b
}

func TestWriterAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 1<<20, nil)
	require.NoError(t, err)

	b1 := batchWithOps(1, 1, 5)
	n, _, rotated, err := w.Append([]*region.Batch{b1})
	require.NoError(t, err)
	require.False(t, rotated)
	require.Greater(t, n, 0)
	require.NoError(t, w.Close())

	var replayed []*region.Batch
	validBytes, err := ReplayEpoch(epochPath(dir, 0), func(b *region.Batch) error {
		replayed = append(replayed, b)
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, validBytes, int64(0))
	require.Len(t, replayed, 1)
	require.Equal(t, uint64(1), replayed[0].RegionID)
	require.Len(t, replayed[0].Ops(), 5)
}

func TestWriterRotatesAtWALSize(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 64, nil)
	require.NoError(t, err)
	defer w.Close()

	_, sealed, rotated, err := w.Append([]*region.Batch{batchWithOps(1, 1, 20)})
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, uint64(0), sealed)
	require.Equal(t, uint64(1), w.EpochID())

	ids, err := ListEpochs(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, ids)
}

func TestWriterRecycleMovesFileIntoRecycleDir(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 1<<20, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Recycle(0))
	_, err = ListEpochs(dir)
	require.NoError(t, err)

	entries, err := filepath.Glob(filepath.Join(w.RecycleDir(), "*"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReplayEpochStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 1<<20, nil)
	require.NoError(t, err)

	_, _, _, err = w.Append([]*region.Batch{batchWithOps(1, 1, 5)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := epochPath(dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o640))

	var replayed []*region.Batch
	validBytes, err := ReplayEpoch(path, func(b *region.Batch) error {
		replayed = append(replayed, b)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), validBytes)
	require.Empty(t, replayed)
}

func TestWriterSeekToTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, 1<<20, nil)
	require.NoError(t, err)

	_, _, _, err = w.Append([]*region.Batch{batchWithOps(1, 1, 5)})
	require.NoError(t, err)
	_, _, _, err = w.Append([]*region.Batch{batchWithOps(1, 6, 10)})
	require.NoError(t, err)
	// A few stray bytes stand in for a torn frame header at the tail.
	_, err = w.file.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	validBytes, err := ReplayEpoch(epochPath(dir, 0), func(*region.Batch) error { return nil })
	require.NoError(t, err)
	require.NoError(t, w.SeekTo(validBytes))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(epochPath(dir, 0))
	require.NoError(t, err)
	require.Equal(t, int(validBytes), len(data))
}
