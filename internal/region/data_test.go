package region

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftstore/rfengine/internal/raftlog"
)

func TestApplyTruncateThenStates(t *testing.T) {
	d := New(1)

	b1 := NewBatch(1)
	for i := uint64(1); i <= 5; i++ {
		b1.AppendRaftLog(raftlog.Op{Index: i, Term: 1})
	}
	_, err := d.Apply(b1)
	require.NoError(t, err)

	b2 := NewBatch(1)
	b2.Truncate(5)
	b2.SetState([]byte("k1"), []byte("v1"))
	b2.SetState([]byte("k2"), []byte("v2"))
	discarded, err := d.Apply(b2)
	require.NoError(t, err)

	require.Equal(t, uint64(5), d.truncatedIdx)
	require.True(t, d.logs.IsEmpty())
	v1, ok := d.GetState([]byte("k1"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v1)
	v2, ok := d.GetState([]byte("k2"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v2)

	var total int
	require.Len(t, discarded, 1)
	for _, blk := range discarded {
		total += blk.Len()
	}
	require.Equal(t, 5, total)

	// A subsequent no-op truncate plus a delete should return no discarded
	// blocks and remove k1.
	b3 := NewBatch(1)
	b3.Truncate(5)
	b3.SetState([]byte("k1"), []byte(""))
	discarded, err = d.Apply(b3)
	require.NoError(t, err)
	require.Empty(t, discarded)
	_, ok = d.GetState([]byte("k1"))
	require.False(t, ok)
}

func TestDependentsDeferTruncation(t *testing.T) {
	d := New(1)
	b1 := NewBatch(1)
	for i := uint64(1); i <= 5; i++ {
		b1.AppendRaftLog(raftlog.Op{Index: i, Term: 1})
	}
	_, err := d.Apply(b1)
	require.NoError(t, err)

	d.AddDependent(7, 1)

	b2 := NewBatch(1)
	b2.Truncate(5)
	discarded, err := d.Apply(b2)
	require.NoError(t, err)
	require.Empty(t, discarded)
	require.Equal(t, uint64(5), d.truncatedIdx)
	require.False(t, d.logs.IsEmpty())

	d.RemoveDependent(7)

	b3 := NewBatch(1)
	b3.AppendRaftLog(raftlog.Op{Index: 6, Term: 1})
	discarded, err = d.Apply(b3)
	require.NoError(t, err)
	require.Len(t, discarded, 1)
	require.Equal(t, 5, discarded[0].Len())
}

func TestGetLastStateWithPrefix(t *testing.T) {
	d := New(1)
	b := NewBatch(1)
	b.SetState([]byte("a/1"), []byte("v1"))
	b.SetState([]byte("a/2"), []byte("v2"))
	b.SetState([]byte("a/10"), []byte("v10"))
	b.SetState([]byte("b/1"), []byte("vb"))
	_, err := d.Apply(b)
	require.NoError(t, err)

	v, ok := d.GetLastStateWithPrefix([]byte("a/"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	_, ok = d.GetLastStateWithPrefix([]byte("c/"))
	require.False(t, ok)
}

func TestSplitRegionScenario(t *testing.T) {
	d := New(1)
	state0 := NewBatch(1)
	state0.SetState([]byte{0x02}, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	_, err := d.Apply(state0)
	require.NoError(t, err)

	b := NewBatch(1)
	for i := uint64(1); i <= 100; i++ {
		b.AppendRaftLog(raftlog.Op{Index: i, Term: 1})
	}
	_, err = d.Apply(b)
	require.NoError(t, err)

	b2 := NewBatch(1)
	for i := uint64(901); i <= 1050; i++ {
		b2.AppendRaftLog(raftlog.Op{Index: i, Term: 1})
	}
	_, err = d.Apply(b2)
	require.NoError(t, err)

	stats := d.Stats()
	require.Equal(t, 250, stats.LiveEntries)
}
