package region

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/raftstore/rfengine/internal/raftlog"
)

// Data is RegionData, the authoritative in-memory state for one region:
// log index, state map and dependents. All mutation (Apply, AddDependent,
// RemoveDependent) runs under the region's own write lock; reads take the
// read lock only.
type Data struct {
	mu sync.RWMutex

	regionID     uint64
	truncatedIdx uint64
	logs         raftlog.Logs
	states       map[string][]byte
	// dependents maps a dependent (child) region id to the epoch id active
	// when it was registered, so a later compaction pass can explain why an
	// epoch is still retained.
	dependents map[uint64]uint64
}

// New returns a fresh, empty RegionData for regionID.
func New(regionID uint64) *Data {
	return &Data{
		regionID:   regionID,
		states:     map[string][]byte{},
		dependents: map[uint64]uint64{},
	}
}

// RegionID returns the region this Data belongs to.
func (d *Data) RegionID() uint64 {
	return d.regionID
}

// needTruncateLocked reports whether a pending truncation can actually be
// carried out: dependents must be empty, the log must be non-empty, and
// truncatedIdx must have reached the log's first index.
// Callers must hold at least the read lock; Apply holds the write lock.
func (d *Data) needTruncateLocked() bool {
	return len(d.dependents) == 0 && d.logs.FirstIndex() > 0 && d.truncatedIdx >= d.logs.FirstIndex()
}

// Apply mutates RegionData from batch, step by step: adopt a higher
// TruncatedIdx, truncate the log if dependents allow it,
// apply state mutations (empty value deletes), append staged ops (which
// may itself discard a conflicting tail), and return every block (or block
// fragment) discarded along the way for the caller to hand to the worker.
func (d *Data) Apply(batch *Batch) ([]*raftlog.Block, error) {
	if batch.RegionID != d.regionID {
		return nil, errors.Errorf("region: apply: batch region %d does not match region %d", batch.RegionID, d.regionID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if batch.TruncatedIdx > d.truncatedIdx {
		d.truncatedIdx = batch.TruncatedIdx
	}

	var discarded []*raftlog.Block
	if d.needTruncateLocked() {
		discarded = append(discarded, d.logs.Truncate(d.truncatedIdx)...)
	}

	for _, k := range batch.sortedStateKeys() {
		v := batch.states[k]
		if len(v) == 0 {
			delete(d.states, k)
			continue
		}
		d.states[k] = v
	}

	for _, op := range batch.ops {
		discarded = append(discarded, d.logs.Append(op)...)
	}

	return discarded, nil
}

// AddDependent registers dep as pinning this region's log at epoch, so
// truncation is suppressed until every dependent is released.
func (d *Data) AddDependent(dep, epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dependents[dep] = epoch
}

// RemoveDependent releases dep's pin on this region's log.
func (d *Data) RemoveDependent(dep uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dependents, dep)
}

// Get returns the op at index, if it is live.
func (d *Data) Get(index uint64) (raftlog.Op, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logs.Get(index)
}

// Term returns the term of the entry at index, if it is live.
func (d *Data) Term(index uint64) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logs.Term(index)
}

// LastIndex returns the index of the newest live entry, falling back to
// TruncatedIdx when the log is empty (mirroring etcd/raft's own Storage
// convention for a fully-compacted log); ok is false only for a region
// that has never been written to or truncated.
func (d *Data) LastIndex() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.logs.IsEmpty() {
		return d.logs.LastIndex(), true
	}
	if d.truncatedIdx > 0 {
		return d.truncatedIdx, true
	}
	return 0, false
}

// FirstIndex returns the index of the oldest live entry, if any.
func (d *Data) FirstIndex() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.logs.IsEmpty() {
		return 0, false
	}
	return d.logs.FirstIndex(), true
}

// GetState returns the value for key, if set.
func (d *Data) GetState(key []byte) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.states[string(key)]
	return v, ok
}

// GetLastStateWithPrefix returns the value of the greatest key that begins
// with prefix, equivalent to a reverse range scan over
// [prefix, prefix_successor) where prefix_successor is prefix with its
// last byte incremented by one.
func (d *Data) GetLastStateWithPrefix(prefix []byte) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p := string(prefix)
	var best string
	found := false
	for k := range d.states {
		if strings.HasPrefix(k, p) && (!found || k > best) {
			best, found = k, true
		}
	}
	if !found {
		return nil, false
	}
	return d.states[best], true
}

// GetLastStateBefore returns the value of the greatest key strictly less
// than key.
func (d *Data) GetLastStateBefore(key []byte) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k0 := string(key)
	var best string
	found := false
	for k := range d.states {
		if k < k0 && (!found || k > best) {
			best, found = k, true
		}
	}
	if !found {
		return nil, false
	}
	return d.states[best], true
}

// Iterate walks the state map in ascending (or, if desc, descending) key
// order, calling f for each entry until f returns false.
func (d *Data) Iterate(desc bool, f func(key, val []byte) bool) {
	d.mu.RLock()
	keys := make([]string, 0, len(d.states))
	for k := range d.states {
		keys = append(keys, k)
	}
	vals := make(map[string][]byte, len(d.states))
	for k, v := range d.states {
		vals[k] = v
	}
	d.mu.RUnlock()

	sortKeys(keys, desc)
	for _, k := range keys {
		if !f([]byte(k), vals[k]) {
			return
		}
	}
}

// Stats is a point-in-time snapshot of RegionData for get_region_stats.
type Stats struct {
	RegionID   uint64
	FirstIndex uint64
	LastIndex  uint64
	// TruncatedIdx is the caller's truncation intent; it may be ahead of
	// FirstIndex-1 while dependents defer the actual reclaim.
	TruncatedIdx uint64
	LiveEntries  int
	StateCount   int
	Dependents   int
	// PinnedByDependents maps a dependent region id to the epoch id active
	// when it registered.
	PinnedByDependents map[uint64]uint64
}

// Stats returns a snapshot of the region's current state for diagnostics.
func (d *Data) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pinned := make(map[uint64]uint64, len(d.dependents))
	for dep, epoch := range d.dependents {
		pinned[dep] = epoch
	}
	count := 0
	for _, blk := range d.logs.Blocks() {
		count += blk.Len()
	}
	return Stats{
		RegionID:           d.regionID,
		FirstIndex:         d.logs.FirstIndex(),
		LastIndex:          d.logs.LastIndex(),
		TruncatedIdx:       d.truncatedIdx,
		LiveEntries:        count,
		StateCount:         len(d.states),
		Dependents:         len(d.dependents),
		PinnedByDependents: pinned,
	}
}

func sortKeys(keys []string, desc bool) {
	sort.Slice(keys, func(i, j int) bool {
		if desc {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})
}
