package sqlexec

import (
	"context"
	"errors"

	"sqlexec/common"
	"sqlexec/internal/utils"
)

// batchEntry is the run of consecutive updates to one statement that is
// waiting to be executed as a single batch.
type batchEntry struct {
	ms     *MappedStatement
	handle StatementHandle
	params [][]any
}

func (b *batchEntry) result(counts []int64) BatchResult {
	return BatchResult{
		Statement:    b.ms.ID,
		SQL:          b.ms.SQL,
		Params:       b.params,
		UpdateCounts: counts,
	}
}

// batchStrategy queues updates instead of executing them. Only consecutive
// updates to the same statement share an entry; switching statements runs
// the current entry first and keeps its result for the next explicit flush.
type batchStrategy struct {
	base    *BaseExecutor
	current *batchEntry
	results []BatchResult
}

// NewBatchExecutor returns an executor that accumulates updates and runs
// them on FlushStatements, Commit or before any query. Update returns
// BatchUpdatePending until then.
func NewBatchExecutor(tx Transaction, opts ...Option) (*BaseExecutor, error) {
	e, err := newBaseExecutor(tx, "batch", opts)
	if err != nil {
		return nil, err
	}
	e.strategy = &batchStrategy{base: e}
	return e, nil
}

func (s *batchStrategy) doUpdate(ctx context.Context, ms *MappedStatement, args []any) (int64, error) {
	if cur := s.current; cur != nil && (cur.ms != ms || cur.ms.SQL != ms.SQL) {
		if err := s.executeCurrent(ctx); err != nil {
			return 0, err
		}
	}
	if s.current == nil {
		h, err := s.base.prepare(ctx, ms)
		if err != nil {
			return 0, err
		}
		s.current = &batchEntry{ms: ms, handle: h}
	} else {
		s.base.diagnostics(ctx).Instance().SQL(ms.SQL)
	}

	cur := s.current
	if err := s.base.bind(ctx, ms, cur.handle, args); err != nil {
		s.dropEmpty()
		return 0, err
	}
	if err := cur.handle.AddBatch(); err != nil {
		s.dropEmpty()
		return 0, s.base.fail(ctx, err)
	}
	cur.params = append(cur.params, utils.CopyArgs(args))
	return BatchUpdatePending, nil
}

// dropEmpty releases a current entry that never received a binding, so the
// next update or flush does not run an empty batch.
func (s *batchStrategy) dropEmpty() {
	if cur := s.current; cur != nil && len(cur.params) == 0 {
		s.base.release(cur.handle)
		s.current = nil
	}
}

// doQuery runs every pending update first so the query sees them, then
// behaves like the simple strategy. Results of that flush are kept for the
// next explicit FlushStatements.
func (s *batchStrategy) doQuery(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args []any) ([]Row, error) {
	if err := s.executeCurrent(ctx); err != nil {
		return nil, err
	}
	var rows []Row
	err := s.base.withHandle(ctx, ms, func(h StatementHandle) error {
		var err error
		rows, err = s.base.runQuery(ctx, ms, h, bounds, handler, args)
		return err
	})
	return rows, err
}

func (s *batchStrategy) doFlushStatements(ctx context.Context, isRollback bool) ([]BatchResult, error) {
	if isRollback {
		if s.current != nil {
			s.base.release(s.current.handle)
			s.current = nil
		}
		s.results = nil
		return nil, nil
	}
	if err := s.executeCurrent(ctx); err != nil {
		return nil, err
	}
	results := s.results
	s.results = nil
	return results, nil
}

// executeCurrent runs and releases the current entry. On failure the results
// gathered so far move into the returned *BatchFlushError.
func (s *batchStrategy) executeCurrent(ctx context.Context) error {
	cur := s.current
	if cur == nil {
		return nil
	}
	s.current = nil
	defer s.base.release(cur.handle)

	s.base.diagnostics(ctx).Instance().SQL(cur.ms.SQL)
	counts, err := cur.handle.ExecuteBatch(ctx)
	s.base.opts.recorder.ObserveBatchFlush(len(cur.params), err == nil)
	if err != nil {
		var be *common.BatchError
		if errors.As(err, &be) {
			counts = be.Counts
		}
		flushErr := &BatchFlushError{
			Results: s.results,
			Failed:  cur.result(counts),
			Err:     s.base.fail(ctx, err),
		}
		s.results = nil
		return flushErr
	}
	s.base.logger.Debug().Str("statement", cur.ms.ID).Int("bindings", len(cur.params)).Msg("<==      Batch executed")
	s.results = append(s.results, cur.result(counts))
	return nil
}
