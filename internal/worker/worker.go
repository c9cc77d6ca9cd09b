package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/raftstore/rfengine/internal/logging"
	"github.com/raftstore/rfengine/internal/wal"
)

// RegionSnapshot is the bookkeeping a Worker needs about one region at the
// moment an epoch is sealed: its current state map (for the periodic
// checkpoint) and enough of its log bookkeeping to decide whether an older
// epoch file is safe to recycle.
type RegionSnapshot struct {
	States       map[string][]byte
	FirstIndex   uint64
	TruncatedIdx uint64
}

// Source supplies the worker with a consistent-enough view of every
// region's state, keyed by region id. The engine façade implements this
// over its region map.
type Source interface {
	Snapshot() map[uint64]RegionSnapshot
}

// Recycler moves a sealed epoch file into the recycle directory. *wal.Writer
// satisfies this.
type Recycler interface {
	Recycle(epochID uint64) error
}

// epochCoverage records, for one sealed epoch, the highest raft log index
// touched per region, so gc can tell whether a later truncation has made
// the epoch's log records fully obsolete.
type epochCoverage map[uint64]uint64

// Worker is the engine's single background worker: one goroutine draining
// a bounded Task channel, so truncation bookkeeping, snapshotting and
// epoch GC never block a writer.
type Worker struct {
	dir              string
	source           Source
	recycler         Recycler
	logger           logging.Logger
	maxRecycledFiles int

	tasks chan Task
	done  chan struct{}

	// workerStates mirrors the content of the most recently written
	// snapshot per region, so writeSnapshot can skip regions whose state
	// hasn't changed since the last snapshot.
	workerStates map[uint64]map[string][]byte
	coverage     map[uint64]epochCoverage
	sealedEpochs []uint64
}

// New returns a Worker rooted at dir. initialStates seeds workerStates from
// the most recent on-disk snapshot found during Open's replay, so a reopen
// doesn't immediately rewrite state that hasn't actually changed.
func New(dir string, recycler Recycler, source Source, logger logging.Logger, maxRecycledFiles int, initialStates map[uint64]map[string][]byte) *Worker {
	if logger == nil {
		logger = logging.Nop()
	}
	if initialStates == nil {
		initialStates = map[uint64]map[string][]byte{}
	}
	return &Worker{
		dir:              dir,
		source:           source,
		recycler:         recycler,
		logger:           logger,
		maxRecycledFiles: maxRecycledFiles,
		workerStates:     initialStates,
		coverage:         map[uint64]epochCoverage{},
	}
}

// Start launches the worker goroutine and returns the send side of its task
// channel, sized to capacity. A full channel blocks the sender rather than
// unbounding memory use.
func (w *Worker) Start(capacity int) chan<- Task {
	w.tasks = make(chan Task, capacity)
	w.done = make(chan struct{})
	go w.run()
	return w.tasks
}

// Wait blocks until the worker goroutine has exited in response to a Close
// task. The worker never closes the channel; the engine façade does not
// close it either, it only sends Close. run also exits cleanly if a sender
// closes the channel.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for t := range w.tasks {
		if t.Close {
			return
		}
		switch {
		case t.Truncate != nil:
			w.handleTruncate(t.Truncate)
		case t.Rotate != nil:
			w.handleRotate(t.Rotate)
		}
	}
}

// handleTruncate accounts for blocks a region discarded. The blocks
// themselves need no further action: they were already unreachable from
// RegionData by the time Apply returned them, so this is purely
// observability, and safe to run twice for the same truncation.
func (w *Worker) handleTruncate(t *Truncate) {
	if w.logger.V(1) {
		n := 0
		for _, blk := range t.Blocks {
			n += blk.Len()
		}
		w.logger.Infof("worker: region %d truncated to %d, reclaimed %d entries across %d blocks",
			t.RegionID, t.TruncatedIndex, n, len(t.Blocks))
	}
}

func (w *Worker) handleRotate(t *Rotate) {
	w.sealedEpochs = append(w.sealedEpochs, t.EpochID)
	if cov, err := scanEpochCoverage(wal.Path(w.dir, t.EpochID)); err != nil {
		w.logger.Errorf("worker: scan epoch %d coverage: %v", t.EpochID, err)
	} else {
		w.coverage[t.EpochID] = cov
	}

	if err := w.writeSnapshot(t.EpochID); err != nil {
		w.logger.Errorf("worker: snapshot at epoch %d: %v", t.EpochID, err)
	}
	w.gc()
}

// writeSnapshot persists, for every region whose state changed since the
// last snapshot, the full current state map into a badger database named
// after the epoch that triggered it. Regions with no change are skipped
// entirely.
func (w *Worker) writeSnapshot(epochID uint64) error {
	snap := w.source.Snapshot()

	changed := make(map[uint64]map[string][]byte, len(snap))
	for regionID, rs := range snap {
		if statesEqual(w.workerStates[regionID], rs.States) {
			continue
		}
		changed[regionID] = rs.States
	}
	if len(changed) == 0 {
		return nil
	}

	path := snapshotPath(w.dir, epochID)
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Wrapf(err, "worker: open snapshot db %q", path)
	}
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		for regionID, states := range changed {
			for k, v := range states {
				if err := txn.Set(snapshotKey(regionID, k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "worker: write snapshot batch")
	}

	for regionID, states := range changed {
		cp := make(map[string][]byte, len(states))
		for k, v := range states {
			cp[k] = v
		}
		w.workerStates[regionID] = cp
	}
	w.pruneOlderSnapshots(epochID)
	return nil
}

func statesEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range b {
		av, ok := a[k]
		if !ok || string(av) != string(v) {
			return false
		}
	}
	return true
}

// pruneOlderSnapshots removes every snapshot database older than epochID,
// since the one just written supersedes them in full.
func (w *Worker) pruneOlderSnapshots(epochID uint64) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !isSnapshotDir(e.Name()) {
			continue
		}
		id, err := snapshotDirEpoch(e.Name())
		if err != nil || id >= epochID {
			continue
		}
		os.RemoveAll(filepath.Join(w.dir, e.Name()))
	}
}

// gc recycles sealed epoch files, oldest first, stopping at the first one
// that is not yet fully obsolete: every region the epoch's records touched
// must have truncated at least as far as the epoch's maximum index for that
// region. Epochs with no coverage (pure-state epochs, or a scan failure)
// are treated as already captured by a later snapshot and GC'd eagerly.
func (w *Worker) gc() {
	sort.Slice(w.sealedEpochs, func(i, j int) bool { return w.sealedEpochs[i] < w.sealedEpochs[j] })
	snap := w.source.Snapshot()

	var remaining []uint64
	stopped := false
	for _, id := range w.sealedEpochs {
		if stopped {
			remaining = append(remaining, id)
			continue
		}
		if !w.epochObsolete(id, snap) {
			stopped = true
			remaining = append(remaining, id)
			continue
		}
		if err := w.recycler.Recycle(id); err != nil {
			w.logger.Errorf("worker: recycle epoch %d: %v", id, err)
			remaining = append(remaining, id)
			continue
		}
		delete(w.coverage, id)
	}
	w.sealedEpochs = remaining
	w.enforceRecycleCap()
}

func (w *Worker) epochObsolete(id uint64, snap map[uint64]RegionSnapshot) bool {
	cov, ok := w.coverage[id]
	if !ok || len(cov) == 0 {
		return true
	}
	for regionID, maxIdx := range cov {
		rs, ok := snap[regionID]
		if !ok {
			return false
		}
		if rs.TruncatedIdx < maxIdx {
			return false
		}
	}
	return true
}

// enforceRecycleCap deletes the oldest recycled files beyond
// maxRecycledFiles.
func (w *Worker) enforceRecycleCap() {
	if w.maxRecycledFiles <= 0 {
		return
	}
	rdir := filepath.Join(w.dir, recycleDirName)
	entries, err := os.ReadDir(rdir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	excess := len(names) - w.maxRecycledFiles
	for i := 0; i < excess; i++ {
		os.Remove(filepath.Join(rdir, names[i]))
	}
}

const recycleDirName = "recycle"

func snapshotPath(dir string, epochID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%05d.snap.db", epochID))
}

func isSnapshotDir(name string) bool {
	return len(name) > len(".snap.db") && name[len(name)-len(".snap.db"):] == ".snap.db"
}

func snapshotDirEpoch(name string) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(name, "%05d.snap.db", &id)
	return id, err
}

func snapshotKey(regionID uint64, stateKey string) []byte {
	key := make([]byte, 8+len(stateKey))
	for i := 0; i < 8; i++ {
		key[i] = byte(regionID >> (56 - 8*i))
	}
	copy(key[8:], stateKey)
	return key
}
