package common

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested item (e.g., cache key, database record) is not found.
var ErrNotFound = errors.New("sqlexec: requested item not found")

// Additional package-level errors
var (
	ErrLockNotAcquired = errors.New("sqlexec: could not acquire lock")
	ErrLockTimeout     = errors.New("sqlexec: timed out waiting for lock")
	ErrHandleClosed    = errors.New("sqlexec: statement handle is closed")
	ErrEmptyBatch      = errors.New("sqlexec: batch has no bindings")
	ErrNilContext      = errors.New("sqlexec: nil context provided")
	ErrTransactionDone = errors.New("sqlexec: transaction has already been committed or rolled back")
	ErrDatabaseNotSet  = errors.New("sqlexec: database not set")
)

// BatchError is returned by a statement handle when one binding of a batch fails.
// Counts holds the affected-row counts of the bindings that ran before the failure.
type BatchError struct {
	Index  int
	Counts []int64
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch binding %d failed: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
