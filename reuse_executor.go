package sqlexec

import (
	"context"
)

// reuseStrategy keeps one open handle per distinct SQL text until the next
// flush, commit, rollback or close.
type reuseStrategy struct {
	base    *BaseExecutor
	handles map[string]StatementHandle
}

// NewReuseExecutor returns an executor that prepares each distinct SQL text
// once and rebinds the open handle on later calls.
func NewReuseExecutor(tx Transaction, opts ...Option) (*BaseExecutor, error) {
	e, err := newBaseExecutor(tx, "reuse", opts)
	if err != nil {
		return nil, err
	}
	e.strategy = &reuseStrategy{base: e, handles: make(map[string]StatementHandle)}
	return e, nil
}

// handle returns the open handle for ms.SQL, preparing it when there is none
// or the previous one has been closed underneath us.
func (s *reuseStrategy) handle(ctx context.Context, ms *MappedStatement) (StatementHandle, error) {
	if h, ok := s.handles[ms.SQL]; ok {
		if !h.Closed() {
			s.base.diagnostics(ctx).Instance().SQL(ms.SQL)
			return h, nil
		}
		delete(s.handles, ms.SQL)
	}
	h, err := s.base.prepare(ctx, ms)
	if err != nil {
		return nil, err
	}
	s.handles[ms.SQL] = h
	return h, nil
}

func (s *reuseStrategy) doQuery(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args []any) ([]Row, error) {
	h, err := s.handle(ctx, ms)
	if err != nil {
		return nil, err
	}
	return s.base.runQuery(ctx, ms, h, bounds, handler, args)
}

func (s *reuseStrategy) doUpdate(ctx context.Context, ms *MappedStatement, args []any) (int64, error) {
	h, err := s.handle(ctx, ms)
	if err != nil {
		return 0, err
	}
	return s.base.runUpdate(ctx, ms, h, args)
}

// doFlushStatements releases every registered handle.
func (s *reuseStrategy) doFlushStatements(context.Context, bool) ([]BatchResult, error) {
	for sql, h := range s.handles {
		s.base.release(h)
		delete(s.handles, sql)
	}
	return nil, nil
}
