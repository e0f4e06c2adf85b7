// Package sqldb adapts database/sql (through jmoiron/sqlx) to the
// statement-handle contract of the execution core. A Transaction prepares
// handles on the pool in auto-commit mode, or on a lazily begun *sqlx.Tx.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"sqlexec"
	"sqlexec/common"
	"sqlexec/internal/utils"
)

// Transaction implements sqlexec.Transaction. It is owned by one executor
// and is not safe for concurrent use.
type Transaction struct {
	db         *sqlx.DB
	autoCommit bool
	txOpts     *sql.TxOptions
	logger     zerolog.Logger

	tx     *sqlx.Tx
	gen    int // bumped whenever tx ends; handles prepared on an older tx are dead
	closed bool
}

// Compile-time checks to ensure interfaces are implemented.
var _ sqlexec.Transaction = (*Transaction)(nil)
var _ sqlexec.StatementHandle = (*Statement)(nil)

// Option configures a Transaction.
type Option func(*Transaction)

func WithLogger(l zerolog.Logger) Option { return func(t *Transaction) { t.logger = l } }

// WithTxOptions sets the isolation level and read-only flag used when the
// transaction begins.
func WithTxOptions(opts *sql.TxOptions) Option { return func(t *Transaction) { t.txOpts = opts } }

// NewTransaction returns a transaction over db. With autoCommit every
// statement runs on the pool and Commit/Rollback are no-ops; otherwise a
// database transaction begins with the first Prepare.
func NewTransaction(db *sqlx.DB, autoCommit bool, opts ...Option) *Transaction {
	t := &Transaction{db: db, autoCommit: autoCommit, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DB returns the underlying pool.
func (t *Transaction) DB() *sqlx.DB { return t.db }

func (t *Transaction) begin(ctx context.Context) (*sqlx.Tx, error) {
	if t.tx != nil {
		return t.tx, nil
	}
	tx, err := t.db.BeginTxx(ctx, t.txOpts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	t.logger.Debug().Msg("DB Transaction Started")
	t.tx = tx
	return tx, nil
}

// Prepare compiles query, rebinding '?' placeholders for the driver.
func (t *Transaction) Prepare(ctx context.Context, query string) (sqlexec.StatementHandle, error) {
	if t.closed {
		return nil, common.ErrTransactionDone
	}
	if t.db == nil {
		return nil, common.ErrDatabaseNotSet
	}
	bound := t.db.Rebind(query)

	var (
		stmt *sqlx.Stmt
		err  error
	)
	if t.autoCommit {
		stmt, err = t.db.PreparexContext(ctx, bound)
	} else {
		var tx *sqlx.Tx
		if tx, err = t.begin(ctx); err == nil {
			stmt, err = tx.PreparexContext(ctx, bound)
		}
	}
	if err != nil {
		return nil, err
	}
	return &Statement{owner: t, sql: query, stmt: stmt, gen: t.gen, onTx: !t.autoCommit}, nil
}

// Commit commits the running database transaction, if any.
func (t *Transaction) Commit(context.Context) error {
	if t.closed {
		return common.ErrTransactionDone
	}
	if t.tx == nil {
		return nil
	}
	err := t.tx.Commit()
	t.end()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.logger.Debug().Msg("DB Transaction Committed")
	return nil
}

// Rollback rolls back the running database transaction, if any.
func (t *Transaction) Rollback(context.Context) error {
	if t.closed {
		return common.ErrTransactionDone
	}
	return t.rollback()
}

func (t *Transaction) rollback() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	t.end()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	t.logger.Debug().Msg("DB Transaction Rolled Back")
	return nil
}

func (t *Transaction) end() {
	t.tx = nil
	t.gen++
}

// Close rolls back an unfinished transaction. The pool stays open.
func (t *Transaction) Close() error {
	if t.closed {
		return nil
	}
	err := t.rollback()
	t.closed = true
	return err
}

// Statement is a prepared statement plus its current binding and batch.
type Statement struct {
	owner  *Transaction
	sql    string
	stmt   *sqlx.Stmt
	gen    int
	onTx   bool
	args   []any
	batch  [][]any
	closed bool
}

func (s *Statement) SQL() string { return s.sql }

// Closed reports whether the statement was closed, or was prepared on a
// database transaction that has since ended.
func (s *Statement) Closed() bool {
	return s.closed || (s.onTx && s.owner.gen != s.gen)
}

func (s *Statement) Bind(args ...any) error {
	if s.Closed() {
		return common.ErrHandleClosed
	}
	s.args = utils.CopyArgs(args)
	return nil
}

func (s *Statement) Query(ctx context.Context) (sqlexec.RowStream, error) {
	if s.Closed() {
		return nil, common.ErrHandleClosed
	}
	rows, err := s.stmt.QueryxContext(ctx, s.args...)
	if err != nil {
		return nil, err
	}
	return &rowStream{rows: rows}, nil
}

func (s *Statement) Exec(ctx context.Context) (int64, error) {
	if s.Closed() {
		return 0, common.ErrHandleClosed
	}
	res, err := s.stmt.ExecContext(ctx, s.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Statement) AddBatch() error {
	if s.Closed() {
		return common.ErrHandleClosed
	}
	s.batch = append(s.batch, s.args)
	return nil
}

// ExecuteBatch runs every queued binding on the prepared statement. When one
// fails, the counts of the bindings before it are returned in a
// *common.BatchError.
func (s *Statement) ExecuteBatch(ctx context.Context) ([]int64, error) {
	if s.Closed() {
		return nil, common.ErrHandleClosed
	}
	bindings := s.batch
	s.batch = nil
	if len(bindings) == 0 {
		return nil, common.ErrEmptyBatch
	}
	counts := make([]int64, 0, len(bindings))
	for i, args := range bindings {
		res, err := s.stmt.ExecContext(ctx, args...)
		if err == nil {
			var n int64
			n, err = res.RowsAffected()
			if err == nil {
				counts = append(counts, n)
				continue
			}
		}
		return counts, &common.BatchError{Index: i, Counts: counts, Err: err}
	}
	return counts, nil
}

func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.batch = nil
	return s.stmt.Close()
}

type rowStream struct {
	rows *sqlx.Rows
}

func (r *rowStream) Next() bool   { return r.rows.Next() }
func (r *rowStream) Err() error   { return r.rows.Err() }
func (r *rowStream) Close() error { return r.rows.Close() }

// Row scans the current row into a map. Byte slices become strings; most
// drivers return text columns that way.
func (r *rowStream) Row() (sqlexec.Row, error) {
	m := make(map[string]any)
	if err := r.rows.MapScan(m); err != nil {
		return nil, err
	}
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			m[k] = string(b)
		}
	}
	return m, nil
}
