package wal

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/raftstore/rfengine/internal/errs"
	"github.com/raftstore/rfengine/internal/logging"
	"github.com/raftstore/rfengine/internal/region"
)

// Writer owns the current epoch file and its staging buffer. It is the
// engine's single exclusive mutex guarding WAL mutation: held only across
// buffer append and flush, never across a worker send.
type Writer struct {
	mu sync.Mutex

	dir        string
	recycleDir string
	walSize    int64
	logger     logging.Logger

	epochID uint64
	file    *os.File
	buf     []byte
}

// Open creates dir and dir/recycle if needed and opens (or creates) the
// epoch file for startEpoch, appending to it. Callers that are replaying
// existing epochs should call SeekTo afterwards to position the writer
// past the last byte successfully replayed.
func Open(dir string, startEpoch uint64, walSize int64, logger logging.Logger) (*Writer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	rdir := filepath.Join(dir, recycleDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(errs.Open, "wal: create dir %q: %v", dir, err)
	}
	if err := os.MkdirAll(rdir, 0o750); err != nil {
		return nil, errors.Wrapf(errs.Open, "wal: create recycle dir %q: %v", rdir, err)
	}

	w := &Writer{dir: dir, recycleDir: rdir, walSize: walSize, logger: logger, epochID: startEpoch}
	f, err := openOrCreate(epochPath(dir, startEpoch))
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

func openOrCreate(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
}

// EpochID returns the id of the epoch currently being written.
func (w *Writer) EpochID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epochID
}

// SeekTo positions the writer past offset bytes of already-valid data in
// the current epoch file, truncating away anything beyond it (a torn tail
// from an incomplete fsync). Used once, right after replay, for the most
// recent epoch only.
func (w *Writer) SeekTo(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	_, err := w.file.Seek(offset, io.SeekStart)
	return err
}

// Append encodes every batch in batches, frames each with a length prefix
// and checksum, appends them to the current epoch file, and flushes with
// fsync. If the post-flush file size reached walSize, it rotates to a new
// epoch file and reports the sealed epoch id.
func (w *Writer) Append(batches []*region.Batch) (bytesWritten int, rotatedEpoch uint64, rotated bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := w.buf[:0]
	for _, b := range batches {
		payload := make([]byte, b.EncodedLen())
		b.EncodeTo(payload)
		buf = encodeFrame(buf, payload)
	}
	w.buf = buf

	if len(buf) > 0 {
		if _, err := w.file.Write(buf); err != nil {
			return 0, 0, false, errors.Wrapf(err, "wal: write epoch %d", w.epochID)
		}
		if err := w.file.Sync(); err != nil {
			return 0, 0, false, errors.Wrapf(err, "wal: fsync epoch %d", w.epochID)
		}
	}

	n := len(buf)

	info, statErr := w.file.Stat()
	if statErr == nil && info.Size() >= w.walSize {
		sealed := w.epochID
		if err := w.rotateLocked(); err != nil {
			return n, 0, false, err
		}
		return n, sealed, true, nil
	}
	return n, 0, false, nil
}

// rotateLocked closes the current epoch file and opens the next one,
// reusing a recycled file if one is available. Callers must hold mu.
func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(err, "wal: close epoch %d", w.epochID)
	}
	next := w.epochID + 1
	f, err := w.recycleOrCreateLocked(next)
	if err != nil {
		return err
	}
	w.epochID = next
	w.file = f
	w.logger.Infof("wal: rotated to epoch %d", next)
	return nil
}

// recycleOrCreateLocked reuses the oldest file under recycle/, if any,
// renaming and truncating it to serve as epoch id; otherwise it creates a
// fresh file. Reuse avoids repeated allocate/free churn on the underlying
// filesystem for a steady-state workload.
func (w *Writer) recycleOrCreateLocked(id uint64) (*os.File, error) {
	entries, err := os.ReadDir(w.recycleDir)
	if err == nil && len(entries) > 0 {
		old := filepath.Join(w.recycleDir, entries[0].Name())
		dst := epochPath(w.dir, id)
		if err := os.Rename(old, dst); err == nil {
			f, err := openOrCreate(dst)
			if err != nil {
				return nil, err
			}
			if err := f.Truncate(0); err != nil {
				f.Close()
				return nil, err
			}
			return f, nil
		}
	}
	return openOrCreate(epochPath(w.dir, id))
}

// Recycle moves a sealed epoch file into the recycle directory so a
// future rotation can reuse it instead of allocating a new file. Called
// by the background worker once an epoch's data is fully obsolete.
func (w *Writer) Recycle(epochID uint64) error {
	src := epochPath(w.dir, epochID)
	dst := filepath.Join(w.recycleDir, filepath.Base(src))
	return os.Rename(src, dst)
}

// Dir returns the engine directory this writer is rooted at.
func (w *Writer) Dir() string {
	return w.dir
}

// RecycleDir returns the recycle subdirectory path.
func (w *Writer) RecycleDir() string {
	return w.recycleDir
}

// Close closes the current epoch file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
