package region

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/raftstore/rfengine/internal/raftlog"
)

func TestBatchRoundTrip(t *testing.T) {
	b := NewBatch(7)
	b.SetState([]byte("a"), []byte(""))
	b.SetState([]byte("b"), []byte("v"))
	b.AppendRaftLog(raftlog.Op{Index: 10, Term: 3, Type: raftpb.EntryNormal, Data: []byte("x")})

	buf := make([]byte, b.EncodedLen())
	n := b.EncodeTo(buf)
	require.Equal(t, b.EncodedLen(), n)

	got, consumed, err := DecodeBatch(buf)
	require.NoError(t, err)
	require.Equal(t, n, consumed)

	require.Equal(t, uint64(7), got.RegionID)
	require.Equal(t, b.States(), got.States())
	require.Len(t, got.Ops(), 1)
	require.Equal(t, uint64(10), got.Ops()[0].Index)
	require.Equal(t, uint64(11), uint64(10)+uint64(len(got.Ops())))
}

func TestBatchDecodeScenario4(t *testing.T) {
	b := NewBatch(1)
	b.SetState([]byte("a"), []byte(""))
	b.SetState([]byte("b"), []byte("v"))
	b.AppendRaftLog(raftlog.Op{Index: 10, Term: 3})

	buf := make([]byte, b.EncodedLen())
	b.EncodeTo(buf)
	got, _, err := DecodeBatch(buf)
	require.NoError(t, err)
	require.Len(t, got.States(), 2)
	require.Equal(t, uint64(10), got.Ops()[0].Index)
}

func TestBatchAppendRaftLogConflictPopsBack(t *testing.T) {
	b := NewBatch(1)
	for i := uint64(1); i <= 5; i++ {
		b.AppendRaftLog(raftlog.Op{Index: i})
	}
	b.AppendRaftLog(raftlog.Op{Index: 3})
	require.Len(t, b.Ops(), 3)
	require.Equal(t, uint64(3), b.Ops()[2].Index)
}

func TestBatchTruncateDropsFrontAndSetsIdx(t *testing.T) {
	b := NewBatch(1)
	for i := uint64(1); i <= 5; i++ {
		b.AppendRaftLog(raftlog.Op{Index: i})
	}
	b.Truncate(3)
	require.Equal(t, uint64(3), b.TruncatedIdx)
	require.Len(t, b.Ops(), 3)
	require.Equal(t, uint64(3), b.Ops()[0].Index)
}

func TestBatchMerge(t *testing.T) {
	a := NewBatch(1)
	a.SetState([]byte("k1"), []byte("v1"))
	a.Truncate(2)

	o := NewBatch(1)
	o.SetState([]byte("k2"), []byte("v2"))
	o.Truncate(5)

	a.Merge(o)
	require.Equal(t, uint64(5), a.TruncatedIdx)
	require.Equal(t, []byte("v1"), a.States()["k1"])
	require.Equal(t, []byte("v2"), a.States()["k2"])
}
