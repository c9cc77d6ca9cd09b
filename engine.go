// Package rfengine implements a durable per-region raft log and state-map
// store: RegionData held in memory in a single region map guarded by one
// RWMutex (taken only to look up or insert a region; the map is not
// sharded), each RegionData with its own reader-writer lock, backed
// by an epoch-rotated write-ahead log and a background worker that
// truncates, snapshots and garbage-collects in the background.
package rfengine

import (
	"context"
	"os"
	"runtime/trace"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/raftstore/rfengine/internal/errs"
	"github.com/raftstore/rfengine/internal/logging"
	"github.com/raftstore/rfengine/internal/raftlog"
	"github.com/raftstore/rfengine/internal/region"
	"github.com/raftstore/rfengine/internal/wal"
	"github.com/raftstore/rfengine/internal/worker"
)

// taskQueueCapacity bounds the background worker's task channel. A sender
// that fills it blocks rather than unbounding memory use.
const taskQueueCapacity = 1024

// Engine is the durable log-and-state-map façade: Open a directory once,
// then Write/Apply/Persist WriteBatches against it and read region state
// back out while the background worker recycles epochs concurrently.
type Engine struct {
	dir    string
	logger logging.Logger

	regionsMu sync.RWMutex
	regions   map[uint64]*region.Data

	writer *wal.Writer
	tasks  chan<- worker.Task
	wkr    *worker.Worker

	closeOnce       sync.Once
	closeWriterOnce sync.Once
	// closed gates sendTask: set before the worker's Close task is sent so
	// a racing Apply/Persist never queues a task behind (or blocks
	// forever waiting to send past) a worker that's already draining and
	// exiting. See the Open Question decision on the task-channel-closed
	// panic in SPEC_FULL.md.
	closed atomic.Bool
}

// Options configures Open. A zero Options uses sensible defaults.
type Options struct {
	// WALSize is the byte threshold at which the writer rotates to a new
	// epoch file. Zero uses a 64MiB default.
	WALSize int64
	// MaxRecycledFiles caps how many sealed, obsolete epoch files the
	// worker keeps around under recycle/ for reuse. Zero disables the cap.
	MaxRecycledFiles int
	Logger           logging.Logger
}

const defaultWALSize = 64 << 20

// Open replays every epoch file under dir in order, builds the in-memory
// RegionData map from the resulting RegionBatches, seeds the background
// worker from the most recent state snapshot and starts accepting writes.
func Open(dir string, opts Options) (*Engine, error) {
	if opts.WALSize <= 0 {
		opts.WALSize = defaultWALSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, task := trace.NewTask(context.Background(), "rfengine.Open")
	defer task.End()
	_ = ctx

	epochs, err := wal.ListEpochs(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(errs.Open, "rfengine: list epochs in %q: %v", dir, err)
		}
		// A fresh, not-yet-created directory has no epochs; wal.Open below
		// creates it and epoch 0.
		epochs = nil
	}

	regions := map[uint64]*region.Data{}
	apply := func(b *region.Batch) error {
		rd, ok := regions[b.RegionID]
		if !ok {
			rd = region.New(b.RegionID)
			regions[b.RegionID] = rd
		}
		_, err := rd.Apply(b)
		return err
	}

	var startEpoch uint64
	var resumeOffset int64
	if len(epochs) == 0 {
		startEpoch = 0
	} else {
		for _, id := range epochs[:len(epochs)-1] {
			if _, err := wal.ReplayEpoch(wal.Path(dir, id), apply); err != nil {
				return nil, errors.Wrapf(err, "rfengine: replay epoch %d", id)
			}
		}
		last := epochs[len(epochs)-1]
		n, err := wal.ReplayEpoch(wal.Path(dir, last), apply)
		if err != nil {
			return nil, errors.Wrapf(err, "rfengine: replay epoch %d", last)
		}
		startEpoch = last
		resumeOffset = n
	}

	writer, err := wal.Open(dir, startEpoch, opts.WALSize, logger)
	if err != nil {
		return nil, err
	}
	if len(epochs) > 0 {
		if err := writer.SeekTo(resumeOffset); err != nil {
			writer.Close()
			return nil, errors.Wrap(err, "rfengine: seek writer past replayed data")
		}
	}

	e := &Engine{
		dir:     dir,
		logger:  logger,
		regions: regions,
		writer:  writer,
	}

	initialStates, err := worker.LoadLatestSnapshot(dir)
	if err != nil {
		logger.Warningf("rfengine: load latest snapshot: %v", err)
		initialStates = nil
	}
	e.wkr = worker.New(dir, writer, e, logger, opts.MaxRecycledFiles, initialStates)
	e.tasks = e.wkr.Start(taskQueueCapacity)

	return e, nil
}

// Apply applies wb's RegionBatches to the in-memory RegionData map, without
// touching the WAL. A caller that wants both applied and persisted calls
// Write.
//
// The map lock (regionsMu) is only ever taken to get-or-create a region's
// *region.Data (via regionOrCreate) and is released before rd.Apply runs:
// region-independent writes must stay fully parallel, per §9's sharded-map
// design note, and must never block concurrent reads (which only take
// regionsMu for a lookup, never across a region's own Apply).
func (e *Engine) Apply(wb *region.WriteBatch) error {
	ctx, task := trace.NewTask(context.Background(), "rfengine.Apply")
	defer task.End()
	_ = ctx

	type discard struct {
		regionID uint64
		idx      uint64
		blocks   []*raftlog.Block
	}
	var discards []discard
	for regionID, batch := range wb.Batches() {
		rd, _ := e.regionOrCreate(regionID)
		blocks, err := rd.Apply(batch)
		if err != nil {
			return err
		}
		if len(blocks) > 0 {
			discards = append(discards, discard{regionID, rd.Stats().TruncatedIdx, blocks})
		}
	}

	for _, d := range discards {
		e.sendTask(worker.Task{Truncate: &worker.Truncate{RegionID: d.regionID, TruncatedIndex: d.idx, Blocks: d.blocks}})
	}
	return nil
}

// Persist appends wb's RegionBatches to the write-ahead log and fsyncs,
// without touching in-memory state (the other half of the apply-then-
// persist split). A rotated epoch triggers a Rotate task. It returns the
// number of bytes buffered before the flush, per §4.4, for callers that
// want to track write throughput.
func (e *Engine) Persist(wb *region.WriteBatch) (bytesWritten int, err error) {
	ctx, task := trace.NewTask(context.Background(), "rfengine.Persist")
	defer task.End()
	_ = ctx

	batches := make([]*region.Batch, 0, wb.Len())
	for _, b := range wb.Batches() {
		batches = append(batches, b)
	}
	n, sealed, rotated, err := e.writer.Append(batches)
	if err != nil {
		return 0, errors.Wrap(err, "rfengine: persist")
	}
	if rotated {
		e.sendTask(worker.Task{Rotate: &worker.Rotate{EpochID: sealed}})
	}
	return n, nil
}

// Write applies wb to memory first and then persists it to the WAL. This
// ordering means a crash between the two steps never makes a region appear
// to have log entries its in-memory view doesn't already reflect. It
// returns the number of bytes buffered by Persist.
func (e *Engine) Write(wb *region.WriteBatch) (bytesWritten int, err error) {
	if err := e.Apply(wb); err != nil {
		return 0, err
	}
	return e.Persist(wb)
}

// sendTask enqueues t for the background worker, unless the engine is
// already closing: closed is flipped before the task channel is sent the
// Close task, so a send racing StopWorker either lands first or is
// dropped here instead of racing a send against a closing channel.
func (e *Engine) sendTask(t worker.Task) {
	if e.tasks == nil || e.closed.Load() {
		return
	}
	e.tasks <- t
}

// GetTerm returns the term of the log entry at index in regionID.
func (e *Engine) GetTerm(regionID, index uint64) (uint64, bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return 0, false
	}
	return rd.Term(index)
}

// GetLastIndex returns the index of the newest live entry for regionID, or
// the region's truncated index when its log is empty.
func (e *Engine) GetLastIndex(regionID uint64) (uint64, bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return 0, false
	}
	return rd.LastIndex()
}

// GetState returns the value of key in regionID's state map.
func (e *Engine) GetState(regionID uint64, key []byte) ([]byte, bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return nil, false
	}
	return rd.GetState(key)
}

// GetLastStateWithPrefix returns the value of the greatest key with the
// given prefix in regionID's state map.
func (e *Engine) GetLastStateWithPrefix(regionID uint64, prefix []byte) ([]byte, bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return nil, false
	}
	return rd.GetLastStateWithPrefix(prefix)
}

// GetLastStateBefore returns the value of the greatest key strictly less
// than key in regionID's state map.
func (e *Engine) GetLastStateBefore(regionID uint64, key []byte) ([]byte, bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return nil, false
	}
	return rd.GetLastStateBefore(key)
}

// IterateRegionStates walks regionID's state map in key order, calling f
// until it returns false.
func (e *Engine) IterateRegionStates(regionID uint64, desc bool, f func(key, val []byte) bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return
	}
	rd.Iterate(desc, f)
}

// IterateAllStates walks every region's state map concurrently. Each
// region's entries are copied under its read lock and then passed to f
// with no lock held; f returning false stops only that region's walk. f may
// be called from multiple goroutines and must synchronize its own access.
func (e *Engine) IterateAllStates(ctx context.Context, desc bool, f func(regionID uint64, key, val []byte) bool) error {
	e.regionsMu.RLock()
	regions := make([]*region.Data, 0, len(e.regions))
	for _, rd := range e.regions {
		regions = append(regions, rd)
	}
	e.regionsMu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, rd := range regions {
		rd := rd
		g.Go(func() error {
			rd.Iterate(desc, func(key, val []byte) bool {
				return f(rd.RegionID(), key, val)
			})
			return nil
		})
	}
	return g.Wait()
}

// AddDependent registers dep as pinning regionID's log at the writer's
// current epoch, deferring truncation until RemoveDependent releases it.
func (e *Engine) AddDependent(regionID, dep uint64) {
	rd, _ := e.regionOrCreate(regionID)
	rd.AddDependent(dep, e.writer.EpochID())
}

// RemoveDependent releases dep's pin on regionID's log.
func (e *Engine) RemoveDependent(regionID, dep uint64) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return
	}
	rd.RemoveDependent(dep)
}

// EngineStats is a point-in-time summary across every region.
type EngineStats struct {
	RegionCount int
	Regions     map[uint64]region.Stats
}

// GetEngineStats returns a snapshot of every region's stats.
func (e *Engine) GetEngineStats() EngineStats {
	e.regionsMu.RLock()
	defer e.regionsMu.RUnlock()
	out := EngineStats{RegionCount: len(e.regions), Regions: make(map[uint64]region.Stats, len(e.regions))}
	for id, rd := range e.regions {
		out.Regions[id] = rd.Stats()
	}
	return out
}

// GetRegionStats returns regionID's stats, if it exists.
func (e *Engine) GetRegionStats(regionID uint64) (region.Stats, bool) {
	rd, ok := e.lookupRegion(regionID)
	if !ok {
		return region.Stats{}, false
	}
	return rd.Stats(), true
}

func (e *Engine) lookupRegion(regionID uint64) (*region.Data, bool) {
	e.regionsMu.RLock()
	defer e.regionsMu.RUnlock()
	rd, ok := e.regions[regionID]
	return rd, ok
}

func (e *Engine) regionOrCreate(regionID uint64) (*region.Data, bool) {
	e.regionsMu.Lock()
	defer e.regionsMu.Unlock()
	existed := true
	rd, ok := e.regions[regionID]
	if !ok {
		rd = region.New(regionID)
		e.regions[regionID] = rd
		existed = false
	}
	return rd, existed
}

// Snapshot implements worker.Source over the engine's region map.
func (e *Engine) Snapshot() map[uint64]worker.RegionSnapshot {
	e.regionsMu.RLock()
	defer e.regionsMu.RUnlock()
	out := make(map[uint64]worker.RegionSnapshot, len(e.regions))
	for id, rd := range e.regions {
		stats := rd.Stats()
		states := map[string][]byte{}
		rd.Iterate(false, func(k, v []byte) bool {
			states[string(k)] = append([]byte(nil), v...)
			return true
		})
		out[id] = worker.RegionSnapshot{
			States:       states,
			FirstIndex:   stats.FirstIndex,
			TruncatedIdx: stats.TruncatedIdx,
		}
	}
	return out
}

// StopWorker sends a Close task and blocks until the background worker has
// drained its queue and exited. Close calls StopWorker itself, so callers
// only need this directly if they want to stop the worker without closing
// the WAL writer (e.g. in a test that inspects recycle/ afterwards).
func (e *Engine) StopWorker() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.tasks <- worker.Task{Close: true}
		e.wkr.Wait()
	})
}

// Close stops the background worker and closes the WAL writer. Close is
// idempotent.
func (e *Engine) Close() error {
	e.StopWorker()
	var err error
	e.closeWriterOnce.Do(func() {
		err = e.writer.Close()
	})
	return err
}
