package worker

import (
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/raftstore/rfengine/internal/region"
	"github.com/raftstore/rfengine/internal/wal"
)

// scanEpochCoverage replays the sealed epoch file at path and returns, for
// every region it touched, the highest raft log index appended. It's used
// only for GC bookkeeping. On a scan failure handleRotate records no
// coverage for the epoch, and epochObsolete treats missing coverage as
// immediately reclaimable.
func scanEpochCoverage(path string) (epochCoverage, error) {
	cov := epochCoverage{}
	_, err := wal.ReplayEpoch(path, func(b *region.Batch) error {
		ops := b.Ops()
		if len(ops) == 0 {
			return nil
		}
		maxIdx := ops[len(ops)-1].Index
		if cur, ok := cov[b.RegionID]; !ok || maxIdx > cur {
			cov[b.RegionID] = maxIdx
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cov, nil
}

// LoadLatestSnapshot scans dir for `<epoch>.snap.db` directories and loads
// the one with the highest epoch id, returning its content keyed by region
// id and state key. It seeds a freshly started Worker's workerStates so a
// reopen doesn't immediately re-write state that hasn't changed since the
// last checkpoint.
func LoadLatestSnapshot(dir string) (map[uint64]map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && isSnapshotDir(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return nil, nil
	}
	sort.Strings(dirs)
	latest := dirs[len(dirs)-1]

	opts := badger.DefaultOptions(dir + string(os.PathSeparator) + latest).WithLogger(nil).WithReadOnly(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	out := map[uint64]map[string][]byte{}
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if len(key) < 8 {
				continue
			}
			var regionID uint64
			for i := 0; i < 8; i++ {
				regionID = regionID<<8 | uint64(key[i])
			}
			stateKey := string(key[8:])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if out[regionID] == nil {
				out[regionID] = map[string][]byte{}
			}
			out[regionID][stateKey] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
