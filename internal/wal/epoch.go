package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/raftstore/rfengine/internal/errs"
	"github.com/raftstore/rfengine/internal/region"
)

const (
	epochExt    = ".wal"
	epochFormat = "%05d" + epochExt
	recycleDir  = "recycle"
)

// epochPath returns the path of epoch id inside dir.
func epochPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf(epochFormat, id))
}

// Path returns the on-disk path of epoch id inside dir. Exported so callers
// outside this package (the engine façade, the background worker) can name
// an epoch file without duplicating the `%05d.wal` naming convention.
func Path(dir string, id uint64) string {
	return epochPath(dir, id)
}

// ListEpochs scans dir for `<NNNNN>.wal` files and returns their ids
// sorted ascending.
func ListEpochs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), epochExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), epochExt)
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(errs.Parse, "wal: malformed epoch filename %q: %v", e.Name(), err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ReplayEpoch decodes every valid RegionBatch record in the epoch file at
// path in order, calling apply for each, and returns the byte offset of
// the first record that failed to decode (so the caller can resume
// writing from there). A short trailing frame (errs.EOF) or a checksum
// mismatch (errs.Checksum) both terminate replay at that offset without
// propagating an error: only tail corruption from an incomplete fsync is
// expected, never corruption mid-file.
func ReplayEpoch(path string, apply func(*region.Batch) error) (validBytes int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var offset int64
	for int(offset) < len(data) {
		payload, consumed, ferr := decodeFrame(data[offset:])
		if ferr != nil {
			if errors.Is(ferr, errs.EOF) || errors.Is(ferr, errs.Checksum) {
				break
			}
			return offset, ferr
		}
		batch, _, berr := region.DecodeBatch(payload)
		if berr != nil {
			// A frame that passed its checksum but fails to parse as a
			// RegionBatch indicates the same class of tail corruption the
			// checksum check is meant to catch; stop here rather than
			// treating it as fatal.
			break
		}
		if err := apply(batch); err != nil {
			return offset, err
		}
		offset += int64(consumed)
	}
	return offset, nil
}
