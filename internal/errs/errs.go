// Package errs holds the engine's sentinel error kinds, kept in their own
// leaf package so both the root façade and the internal storage packages
// can check against the same values without an import cycle.
package errs

import "github.com/pkg/errors"

var (
	// EOF marks an unexpected end of file while replaying a WAL record.
	// It is benign: it means "end of valid data", not corruption.
	EOF = errors.New("rfengine: unexpected EOF")
	// Checksum marks a frame whose checksum does not match its payload.
	// Fatal for that record; replay stops at the record's start offset.
	Checksum = errors.New("rfengine: checksum mismatch")
	// Parse marks a malformed epoch filename or record header.
	Parse = errors.New("rfengine: parse error")
	// Open marks a directory misconfiguration detected during Open.
	Open = errors.New("rfengine: open error")
)
