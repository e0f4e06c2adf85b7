package sqlexec

import (
	"errors"
	"fmt"
)

var (
	ErrExecutorClosed = errors.New("sqlexec: executor was closed")
	// ErrRecursiveLoad is returned when a query re-enters a key that is still
	// being loaded, or when nested queries go deeper than the configured limit.
	ErrRecursiveLoad  = errors.New("sqlexec: recursive load")
	ErrNilStatement   = errors.New("sqlexec: nil mapped statement")
	ErrNilTransaction = errors.New("sqlexec: nil transaction")
)

// ExecutionError wraps a failure of the underlying statement handle together
// with the diagnostic context that was active when it happened.
type ExecutionError struct {
	Activity  string
	Statement string
	SQL       string
	// Context is the rendered diagnostic frame.
	Context string
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("sqlexec: error %s: %v", e.Activity, e.Err)
	if e.Context != "" {
		msg += e.Context
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// BatchFlushError reports a batch entry that failed while being executed.
// Results holds the entries that completed before it; Failed carries the
// counts of the bindings of the failing entry that did run.
type BatchFlushError struct {
	Results []BatchResult
	Failed  BatchResult
	Err     error
}

func (e *BatchFlushError) Error() string {
	return fmt.Sprintf("sqlexec: batch flush of %s failed after %d entries: %v", e.Failed.Statement, len(e.Results), e.Err)
}

func (e *BatchFlushError) Unwrap() error { return e.Err }
