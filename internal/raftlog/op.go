// Package raftlog implements the RaftLogOp/RaftLogBlock/RaftLogs data
// model: a self-delimited binary codec for a single raft entry, and the
// block/run abstractions layered over it.
package raftlog

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/raftstore/rfengine/internal/errs"
)

// opHeaderLen is the fixed portion of an encoded Op: index, term, entry
// type discriminant and the data length prefix.
const opHeaderLen = 8 + 8 + 4 + 4

// Op is an immutable record of one raft log entry. The entry type reuses
// go.etcd.io/raft/v3/raftpb.EntryType so the on-disk discriminant matches
// etcd/raft's own without the engine running any raft protocol logic.
type Op struct {
	Index   uint64
	Term    uint64
	Type    raftpb.EntryType
	Data    []byte
	Context []byte
}

// EncodedLen returns the exact number of bytes EncodeTo will write.
func (o Op) EncodedLen() int {
	return opHeaderLen + len(o.Data) + 4 + len(o.Context)
}

// EncodeTo writes the little-endian encoding of o into b, which must be at
// least EncodedLen() bytes, and returns the number of bytes written.
func (o Op) EncodeTo(b []byte) int {
	binary.LittleEndian.PutUint64(b[0:8], o.Index)
	binary.LittleEndian.PutUint64(b[8:16], o.Term)
	binary.LittleEndian.PutUint32(b[16:20], uint32(o.Type))
	binary.LittleEndian.PutUint32(b[20:24], uint32(len(o.Data)))
	n := opHeaderLen
	n += copy(b[n:], o.Data)
	binary.LittleEndian.PutUint32(b[n:n+4], uint32(len(o.Context)))
	n += 4
	n += copy(b[n:], o.Context)
	return n
}

// DecodeOp is the exact inverse of EncodeTo: it decodes one Op from the
// front of b and returns the op plus the number of bytes consumed.
func DecodeOp(b []byte) (Op, int, error) {
	if len(b) < opHeaderLen {
		return Op{}, 0, errors.Wrap(errs.EOF, "raftlog: truncated op header")
	}
	idx := binary.LittleEndian.Uint64(b[0:8])
	term := binary.LittleEndian.Uint64(b[8:16])
	typ := raftpb.EntryType(binary.LittleEndian.Uint32(b[16:20]))
	dataLen := int(binary.LittleEndian.Uint32(b[20:24]))

	n := opHeaderLen
	if len(b) < n+dataLen+4 {
		return Op{}, 0, errors.Wrap(errs.EOF, "raftlog: truncated op data")
	}
	data := append([]byte(nil), b[n:n+dataLen]...)
	n += dataLen

	ctxLen := int(binary.LittleEndian.Uint32(b[n : n+4]))
	n += 4
	if len(b) < n+ctxLen {
		return Op{}, 0, errors.Wrap(errs.EOF, "raftlog: truncated op context")
	}
	ctx := append([]byte(nil), b[n:n+ctxLen]...)
	n += ctxLen

	return Op{Index: idx, Term: term, Type: typ, Data: data, Context: ctx}, n, nil
}

// Block is an ordered, index-contiguous run of Ops, stored as a unit.
type Block struct {
	ops  []Op
	size int
}

// NewBlock builds a Block from an already index-contiguous, ascending
// slice of ops. It does not copy ops.
func NewBlock(ops []Op) *Block {
	if len(ops) == 0 {
		return nil
	}
	b := &Block{ops: ops}
	for _, op := range ops {
		b.size += op.EncodedLen()
	}
	return b
}

// FirstIndex returns the index of the first op in the block, or 0 if empty.
func (b *Block) FirstIndex() uint64 {
	if b == nil || len(b.ops) == 0 {
		return 0
	}
	return b.ops[0].Index
}

// LastIndex returns the index of the last op in the block, or 0 if empty.
func (b *Block) LastIndex() uint64 {
	if b == nil || len(b.ops) == 0 {
		return 0
	}
	return b.ops[len(b.ops)-1].Index
}

// Size is the sum of the encoded length of every op in the block.
func (b *Block) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Len returns the number of ops in the block.
func (b *Block) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// Ops returns the block's ops. Callers must not mutate the returned slice.
func (b *Block) Ops() []Op {
	if b == nil {
		return nil
	}
	return b.ops
}

// Append adds op to the back of the block. op.Index must equal
// LastIndex()+1 unless the block is empty.
func (b *Block) Append(op Op) error {
	if b.Len() > 0 && op.Index != b.LastIndex()+1 {
		return errors.Errorf("raftlog: non-contiguous append: block ends at %d, got %d", b.LastIndex(), op.Index)
	}
	b.ops = append(b.ops, op)
	b.size += op.EncodedLen()
	return nil
}

// splitBlock splits blk at idx: low holds ops with Index<=idx, high holds
// ops with Index>idx. Either half may be nil if empty.
func splitBlock(blk *Block, idx uint64) (low, high *Block) {
	n := sort.Search(blk.Len(), func(i int) bool { return blk.ops[i].Index > idx })
	low = NewBlock(blk.ops[:n:n])
	high = NewBlock(blk.ops[n:])
	return
}

// Logs is an ordered sequence of Blocks spanning [FirstIndex, LastIndex+1).
// Each block is index-contiguous; consecutive blocks usually are too, but
// Append starts a new block after a forward gap, so the span may hold
// indices with no live entry.
type Logs struct {
	blocks []*Block
}

// IsEmpty reports whether the log holds no entries.
func (l *Logs) IsEmpty() bool {
	return l == nil || len(l.blocks) == 0
}

// FirstIndex returns the index of the oldest live entry, or 0 if empty.
func (l *Logs) FirstIndex() uint64 {
	if l.IsEmpty() {
		return 0
	}
	return l.blocks[0].FirstIndex()
}

// LastIndex returns the index of the newest live entry, or 0 if empty.
func (l *Logs) LastIndex() uint64 {
	if l.IsEmpty() {
		return 0
	}
	return l.blocks[len(l.blocks)-1].LastIndex()
}

// Blocks returns the live blocks in order. Callers must not mutate it.
func (l *Logs) Blocks() []*Block {
	if l == nil {
		return nil
	}
	return l.blocks
}

// Get returns the op at index, if it is live.
func (l *Logs) Get(index uint64) (Op, bool) {
	if l.IsEmpty() || index < l.FirstIndex() || index > l.LastIndex() {
		return Op{}, false
	}
	lo, hi := 0, len(l.blocks)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		blk := l.blocks[mid]
		switch {
		case index < blk.FirstIndex():
			hi = mid - 1
		case index > blk.LastIndex():
			lo = mid + 1
		default:
			return blk.ops[index-blk.FirstIndex()], true
		}
	}
	return Op{}, false
}

// Term returns the term of the entry at index, if it is live.
func (l *Logs) Term(index uint64) (uint64, bool) {
	op, ok := l.Get(index)
	if !ok {
		return 0, false
	}
	return op.Term, true
}

// Append adds op to the end of the log. If op.Index is not LastIndex()+1,
// any entries at index >= op.Index are discarded first (leader-change
// conflict resolution) and returned as the blocks they were part of.
func (l *Logs) Append(op Op) []*Block {
	var discarded []*Block
	if !l.IsEmpty() && op.Index != l.LastIndex()+1 {
		discarded = l.discardFrom(op.Index)
	}
	if len(l.blocks) == 0 {
		l.blocks = append(l.blocks, NewBlock([]Op{op}))
		return discarded
	}
	last := l.blocks[len(l.blocks)-1]
	if err := last.Append(op); err != nil {
		// op.Index is ahead of the live tail by more than one (a forward
		// gap, e.g. a region that only ever receives part of an index
		// range). Nothing conflicts with what's already stored, so the new
		// op starts its own block rather than discarding the existing one.
		l.blocks = append(l.blocks, NewBlock([]Op{op}))
	}
	return discarded
}

// discardFrom drops every live entry with Index >= idx and returns the
// blocks (or block fragments) that were discarded.
func (l *Logs) discardFrom(idx uint64) []*Block {
	var discarded, kept []*Block
	for _, blk := range l.blocks {
		switch {
		case blk.FirstIndex() >= idx:
			discarded = append(discarded, blk)
		case blk.LastIndex() < idx:
			kept = append(kept, blk)
		default:
			low, high := splitBlock(blk, idx-1)
			if low != nil {
				kept = append(kept, low)
			}
			if high != nil {
				discarded = append(discarded, high)
			}
		}
	}
	l.blocks = kept
	return discarded
}

// Truncate reclaims the log prefix up to and including idx: every live
// entry with Index <= idx is discarded and the discarded blocks (or block
// fragments) are returned in order.
func (l *Logs) Truncate(idx uint64) []*Block {
	var discarded, kept []*Block
	for _, blk := range l.blocks {
		switch {
		case blk.LastIndex() <= idx:
			discarded = append(discarded, blk)
		case blk.FirstIndex() > idx:
			kept = append(kept, blk)
		default:
			low, high := splitBlock(blk, idx)
			if low != nil {
				discarded = append(discarded, low)
			}
			if high != nil {
				kept = append(kept, high)
			}
		}
	}
	l.blocks = kept
	return discarded
}
