package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
)

func TestOpRoundTrip(t *testing.T) {
	op := Op{Index: 10, Term: 3, Type: raftpb.EntryNormal, Data: []byte("hello"), Context: []byte("ctx")}
	buf := make([]byte, op.EncodedLen())
	n := op.EncodeTo(buf)
	require.Equal(t, op.EncodedLen(), n)

	got, consumed, err := DecodeOp(buf)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.Equal(t, op, got)
}

func TestOpRoundTripEmptyFields(t *testing.T) {
	op := Op{Index: 1, Term: 1, Type: raftpb.EntryConfChange}
	buf := make([]byte, op.EncodedLen())
	op.EncodeTo(buf)
	got, _, err := DecodeOp(buf)
	require.NoError(t, err)
	require.Equal(t, 0, len(got.Data))
	require.Equal(t, 0, len(got.Context))
	require.Equal(t, op.Index, got.Index)
}

func TestDecodeOpTruncated(t *testing.T) {
	op := Op{Index: 1, Term: 1, Data: []byte("abc")}
	buf := make([]byte, op.EncodedLen())
	op.EncodeTo(buf)
	_, _, err := DecodeOp(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestLogsAppendContiguousAndConflict(t *testing.T) {
	var l Logs
	for i := uint64(1); i <= 5; i++ {
		require.Empty(t, l.Append(Op{Index: i, Term: 1}))
	}
	require.Equal(t, uint64(1), l.FirstIndex())
	require.Equal(t, uint64(5), l.LastIndex())

	// Appending at index 3 (<= LastIndex) truncates the tail back to index 2.
	discarded := l.Append(Op{Index: 3, Term: 2})
	require.Equal(t, uint64(3), l.LastIndex())
	var discardedIdx []uint64
	for _, b := range discarded {
		for _, op := range b.Ops() {
			discardedIdx = append(discardedIdx, op.Index)
		}
	}
	require.ElementsMatch(t, []uint64{3, 4, 5}, discardedIdx)

	op, ok := l.Get(3)
	require.True(t, ok)
	require.Equal(t, uint64(2), op.Term)
}

func TestLogsTruncate(t *testing.T) {
	var l Logs
	for i := uint64(1); i <= 10; i++ {
		l.Append(Op{Index: i, Term: 1})
	}
	discarded := l.Truncate(4)
	require.Equal(t, uint64(5), l.FirstIndex())
	require.Equal(t, uint64(10), l.LastIndex())
	var total int
	for _, b := range discarded {
		total += b.Len()
	}
	require.Equal(t, 4, total)

	_, ok := l.Get(4)
	require.False(t, ok)
	_, ok = l.Get(5)
	require.True(t, ok)
}

func TestLogsTruncateBeyondLastIndexEmptiesLog(t *testing.T) {
	var l Logs
	for i := uint64(1); i <= 3; i++ {
		l.Append(Op{Index: i, Term: 1})
	}
	l.Truncate(100)
	require.True(t, l.IsEmpty())
}
