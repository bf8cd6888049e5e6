// Package errs collects the error values surfaced by the WAL engine, so
// that callers can use errors.Is/errors.As instead of matching on strings.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrBusySnapshot is returned by Upgrade when the read snapshot a
	// transaction was started with has gone stale (another writer
	// committed in between BeginRead and Upgrade). The caller must
	// restart the transaction.
	ErrBusySnapshot = errors.New("wal: snapshot is busy, restart the transaction")

	// ErrLockStolen indicates that a write transaction discovered that
	// the writer lock it believed it held is now held by someone else.
	// This is an invariant violation: the source has no mechanism to
	// steal a lock, so this can only mean the in-memory state has been
	// corrupted. Fatal.
	ErrLockStolen = errors.New("wal: writer lock stolen, invariant violated")

	// ErrReadOnly is returned when a write is attempted against a
	// sealed segment. Indicates a rotation bug; fatal.
	ErrReadOnly = errors.New("wal: attempt to write to a sealed segment")

	// ErrClosed is returned by any operation performed after the owning
	// WAL or registry has been shut down.
	ErrClosed = errors.New("wal: closed")

	// ErrNotFound indicates a namespace, segment, or page could not be
	// located.
	ErrNotFound = errors.New("wal: not found")

	// ErrSealed is returned when an operation that requires a live
	// segment is attempted against one that has already sealed.
	ErrSealed = errors.New("wal: segment already sealed")
)

// CorruptionError wraps a detail about a header mismatch, invalid index,
// or violated segment ordering invariant (I1/I2). Corruption is fatal for
// the namespace it was discovered in.
type CorruptionError struct {
	Detail string
	Cause  error
}

func (e *CorruptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wal: corruption: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("wal: corruption: %s", e.Detail)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// NewCorruption builds a CorruptionError with the given detail message.
func NewCorruption(detail string, cause error) error {
	return &CorruptionError{Detail: detail, Cause: cause}
}

// IOError wraps an underlying file-system error so callers can
// distinguish "the disk is unhappy" from "the data is invalid".
type IOError struct {
	Op    string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("wal: io error during %s: %v", e.Op, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }

// WrapIO wraps err as an IOError tagged with the operation that failed.
// Returns nil if err is nil.
func WrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Cause: err}
}
