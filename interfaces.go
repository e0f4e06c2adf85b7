// interfaces.go
// Collaborator contracts of the execution core: the statement handle, the
// provider that prepares handles and the transaction that owns the provider.
// Drivers under drivers/db implement them.

package sqlexec

import (
	"context"
)

// Row is one result row, column name to value.
type Row map[string]any

// RowStream iterates over the rows produced by a query. Close must be called
// once the caller is done, including after an error.
type RowStream interface {
	Next() bool
	Row() (Row, error)
	Err() error
	Close() error
}

// StatementHandle is a prepared statement owned by exactly one executor.
type StatementHandle interface {
	SQL() string
	// Bind replaces every previously bound value with args.
	Bind(args ...any) error
	Query(ctx context.Context) (RowStream, error)
	Exec(ctx context.Context) (int64, error)
	// AddBatch queues the currently bound values as one batch binding.
	AddBatch() error
	// ExecuteBatch runs every queued binding and returns one affected-row
	// count per binding. The queue is empty afterwards.
	ExecuteBatch(ctx context.Context) ([]int64, error)
	Close() error
	Closed() bool
}

// StatementProvider compiles SQL text into statement handles.
type StatementProvider interface {
	Prepare(ctx context.Context, sql string) (StatementHandle, error)
}

// Transaction is the unit-of-work resource an executor runs against.
type Transaction interface {
	StatementProvider
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}
