// Package wal implements the epoch-file WAL writer and replayer:
// append-buffer-flush-fsync-rotate on the write side, and ordered
// decode-and-apply replay on the read side.
package wal

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/raftstore/rfengine/internal/errs"
)

// frameHeaderLen is the length prefix (u32) plus the xxhash64 checksum
// (u64) that precede every encoded RegionBatch record on disk. Framing at
// this level, rather than relying on the RegionBatch encoding alone, is
// what lets replay detect a torn write at EOF and report it as benign
// (errs.EOF) instead of corruption.
const frameHeaderLen = 4 + 8

// encodeFrame appends the length-prefixed, checksummed frame for payload
// to buf and returns the extended slice.
func encodeFrame(buf, payload []byte) []byte {
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxhash.Sum64(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return buf
}

// decodeFrame reads one frame from the front of buf, verifies its
// checksum, and returns the payload plus the number of bytes consumed
// (header + payload). A short header or payload is reported as errs.EOF
// (the benign "end of valid data" terminator); a checksum mismatch is
// reported as errs.Checksum.
func decodeFrame(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < frameHeaderLen {
		return nil, 0, errors.Wrap(errs.EOF, "wal: truncated frame header")
	}
	plen := int(binary.LittleEndian.Uint32(buf[0:4]))
	sum := binary.LittleEndian.Uint64(buf[4:12])
	if len(buf) < frameHeaderLen+plen {
		return nil, 0, errors.Wrap(errs.EOF, "wal: truncated frame payload")
	}
	payload = buf[frameHeaderLen : frameHeaderLen+plen]
	if xxhash.Sum64(payload) != sum {
		return nil, 0, errors.Wrap(errs.Checksum, "wal: frame checksum mismatch")
	}
	return payload, frameHeaderLen + plen, nil
}
