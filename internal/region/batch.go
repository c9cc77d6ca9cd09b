// Package region implements the RegionBatch/WriteBatch staging types and
// the authoritative per-region RegionData, including the WAL record codec
// for a RegionBatch.
package region

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/raftstore/rfengine/internal/errs"
	"github.com/raftstore/rfengine/internal/raftlog"
)

// batchHeaderLen is region_id, first_log_index, end_log_index,
// truncated_idx and states_count.
const batchHeaderLen = 8 + 8 + 8 + 8 + 4

// Batch is the staged, in-memory mutation set for one region inside a
// WriteBatch, also called a RegionBatch.
type Batch struct {
	RegionID     uint64
	TruncatedIdx uint64

	states map[string][]byte
	ops    []raftlog.Op
}

// NewBatch returns an empty staged batch for regionID.
func NewBatch(regionID uint64) *Batch {
	return &Batch{RegionID: regionID, states: map[string][]byte{}}
}

// AppendRaftLog stages op. If the current back entry's index is not
// op.Index-1, entries are popped from the back until it is (or the staged
// op list is empty), dropping speculatively-buffered entries superseded by
// a leader change.
func (b *Batch) AppendRaftLog(op raftlog.Op) {
	for len(b.ops) > 0 && b.ops[len(b.ops)-1].Index != op.Index-1 {
		b.ops = b.ops[:len(b.ops)-1]
	}
	b.ops = append(b.ops, op)
}

// Truncate drops staged ops from the front while front.Index < idx and
// records idx as the batch's truncation intent.
func (b *Batch) Truncate(idx uint64) {
	i := 0
	for i < len(b.ops) && b.ops[i].Index < idx {
		i++
	}
	b.ops = b.ops[i:]
	b.TruncatedIdx = idx
}

// SetState stages key to be set to val. An empty val signals delete at
// apply time.
func (b *Batch) SetState(key, val []byte) {
	b.states[string(key)] = append([]byte(nil), val...)
}

// Merge folds other into b: states union with other winning on key
// collision, every op of other appended via AppendRaftLog semantics, and
// TruncatedIdx becomes the max of the two.
func (b *Batch) Merge(other *Batch) {
	for k, v := range other.states {
		b.states[k] = v
	}
	for _, op := range other.ops {
		b.AppendRaftLog(op)
	}
	if other.TruncatedIdx > b.TruncatedIdx {
		b.TruncatedIdx = other.TruncatedIdx
	}
}

// Ops returns the staged ops in order. Callers must not mutate it.
func (b *Batch) Ops() []raftlog.Op {
	return b.ops
}

// States returns a copy of the staged state mutations.
func (b *Batch) States() map[string][]byte {
	out := make(map[string][]byte, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return out
}

func (b *Batch) sortedStateKeys() []string {
	keys := make([]string, 0, len(b.states))
	for k := range b.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodedLen returns the exact number of bytes EncodeTo will write, per the
// WAL record format.
func (b *Batch) EncodedLen() int {
	n := batchHeaderLen
	for _, k := range b.sortedStateKeys() {
		n += 2 + len(k) + 4 + len(b.states[k])
	}
	n += 4 * len(b.ops)
	for _, op := range b.ops {
		n += op.EncodedLen()
	}
	return n
}

// EncodeTo writes b's WAL record encoding into buf, which must be at least
// EncodedLen() bytes, and returns the number of bytes written.
func (b *Batch) EncodeTo(buf []byte) int {
	n := 0
	binary.LittleEndian.PutUint64(buf[n:], b.RegionID)
	n += 8

	var first, end uint64
	if len(b.ops) > 0 {
		first = b.ops[0].Index
		end = first + uint64(len(b.ops))
	}
	binary.LittleEndian.PutUint64(buf[n:], first)
	n += 8
	binary.LittleEndian.PutUint64(buf[n:], end)
	n += 8
	binary.LittleEndian.PutUint64(buf[n:], b.TruncatedIdx)
	n += 8

	keys := b.sortedStateKeys()
	binary.LittleEndian.PutUint32(buf[n:], uint32(len(keys)))
	n += 4
	for _, k := range keys {
		v := b.states[k]
		binary.LittleEndian.PutUint16(buf[n:], uint16(len(k)))
		n += 2
		n += copy(buf[n:], k)
		binary.LittleEndian.PutUint32(buf[n:], uint32(len(v)))
		n += 4
		n += copy(buf[n:], v)
	}

	offsetsPos := n
	n += 4 * len(b.ops)
	var cum uint32
	for i, op := range b.ops {
		m := op.EncodeTo(buf[n:])
		n += m
		cum += uint32(m)
		binary.LittleEndian.PutUint32(buf[offsetsPos+4*i:], cum)
	}
	return n
}

// DecodeBatch is the exact inverse of EncodeTo: it decodes one RegionBatch
// record from the front of buf and returns it plus the number of bytes
// consumed.
func DecodeBatch(buf []byte) (*Batch, int, error) {
	if len(buf) < batchHeaderLen {
		return nil, 0, errors.Wrap(errs.EOF, "region: truncated batch header")
	}
	n := 0
	regionID := binary.LittleEndian.Uint64(buf[n:])
	n += 8
	first := binary.LittleEndian.Uint64(buf[n:])
	n += 8
	end := binary.LittleEndian.Uint64(buf[n:])
	n += 8
	truncatedIdx := binary.LittleEndian.Uint64(buf[n:])
	n += 8
	statesCount := binary.LittleEndian.Uint32(buf[n:])
	n += 4

	states := make(map[string][]byte, statesCount)
	for i := uint32(0); i < statesCount; i++ {
		if len(buf) < n+2 {
			return nil, 0, errors.Wrap(errs.EOF, "region: truncated state key length")
		}
		klen := int(binary.LittleEndian.Uint16(buf[n:]))
		n += 2
		if len(buf) < n+klen+4 {
			return nil, 0, errors.Wrap(errs.EOF, "region: truncated state key")
		}
		key := string(buf[n : n+klen])
		n += klen
		vlen := int(binary.LittleEndian.Uint32(buf[n:]))
		n += 4
		if len(buf) < n+vlen {
			return nil, 0, errors.Wrap(errs.EOF, "region: truncated state value")
		}
		val := append([]byte(nil), buf[n:n+vlen]...)
		n += vlen
		states[key] = val
	}

	var count int
	if end > first {
		count = int(end - first)
	}
	if len(buf) < n+4*count {
		return nil, 0, errors.Wrap(errs.EOF, "region: truncated log offsets")
	}
	offsets := make([]uint32, count)
	for i := 0; i < count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(buf[n:])
		n += 4
	}

	ops := make([]raftlog.Op, 0, count)
	var cum uint32
	for i := 0; i < count; i++ {
		op, m, err := raftlog.DecodeOp(buf[n:])
		if err != nil {
			return nil, 0, err
		}
		n += m
		cum += uint32(m)
		if cum != offsets[i] {
			return nil, 0, errors.Wrap(errs.Parse, "region: log section offset mismatch")
		}
		ops = append(ops, op)
	}

	return &Batch{RegionID: regionID, TruncatedIdx: truncatedIdx, states: states, ops: ops}, n, nil
}
