package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates a record in the middle of the ledger cannot be parsed.
	ErrCorrupted = errors.New("ledger: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match its fields.
	ErrChecksumMismatch = errors.New("ledger: checksum mismatch")

	// ErrClosed indicates the ledger was used after Close.
	ErrClosed = errors.New("ledger: already closed")
)

// ChecksumError carries the offending record.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("ledger: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError locates an unparseable record.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
