package sqlexec

import (
	"context"
)

// simpleStrategy prepares a new handle for every statement and closes it
// before returning.
type simpleStrategy struct {
	base *BaseExecutor
}

// NewSimpleExecutor returns an executor that prepares, executes and closes
// a statement handle on every call. Nothing is ever pending.
func NewSimpleExecutor(tx Transaction, opts ...Option) (*BaseExecutor, error) {
	e, err := newBaseExecutor(tx, "simple", opts)
	if err != nil {
		return nil, err
	}
	e.strategy = &simpleStrategy{base: e}
	return e, nil
}

func (s *simpleStrategy) doQuery(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args []any) ([]Row, error) {
	var rows []Row
	err := s.base.withHandle(ctx, ms, func(h StatementHandle) error {
		var err error
		rows, err = s.base.runQuery(ctx, ms, h, bounds, handler, args)
		return err
	})
	return rows, err
}

func (s *simpleStrategy) doUpdate(ctx context.Context, ms *MappedStatement, args []any) (int64, error) {
	var n int64
	err := s.base.withHandle(ctx, ms, func(h StatementHandle) error {
		var err error
		n, err = s.base.runUpdate(ctx, ms, h, args)
		return err
	})
	return n, err
}

func (s *simpleStrategy) doFlushStatements(context.Context, bool) ([]BatchResult, error) {
	return nil, nil
}
