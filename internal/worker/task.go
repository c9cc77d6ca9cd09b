// Package worker implements the single-threaded background worker: it
// consumes Tasks over a bounded channel to rotate finished epochs, truncate
// in-memory blocks and write periodic state snapshots, with no
// serialization guarantee beyond per-sender FIFO order.
package worker

import "github.com/raftstore/rfengine/internal/raftlog"

// Truncate carries the blocks discarded by a RegionData.Apply call so the
// worker can reclaim them; handling is idempotent since the blocks are
// already out of the live log by the time the task is sent.
type Truncate struct {
	RegionID       uint64
	TruncatedIndex uint64
	Blocks         []*raftlog.Block
}

// Rotate names a just-sealed epoch file. The worker may snapshot state and
// garbage-collect older, now-obsolete epoch files in response.
type Rotate struct {
	EpochID uint64
}

// Task is one of Truncate, Rotate or Close. Exactly one field is set,
// matching the closed set of task kinds the worker understands.
type Task struct {
	Truncate *Truncate
	Rotate   *Rotate
	Close    bool
}
