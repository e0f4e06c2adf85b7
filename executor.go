package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"sqlexec/cache"
	"sqlexec/errctx"
	"sqlexec/internal/utils"
	"sqlexec/metrics"
)

// Executor runs mapped statements within one unit of work. Implementations
// are meant for sequential use by a single goroutine.
type Executor interface {
	Query(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args ...any) ([]Row, error)
	Update(ctx context.Context, ms *MappedStatement, args ...any) (int64, error)
	FlushStatements(ctx context.Context, isRollback bool) ([]BatchResult, error)
	Commit(ctx context.Context, required bool) error
	Rollback(ctx context.Context, required bool) error
	CreateCacheKey(ms *MappedStatement, bounds RowBounds, args ...any) (*cache.Key, error)
	IsCached(ms *MappedStatement, key *cache.Key) bool
	ClearLocalCache()
	DeferLoad(ms *MappedStatement, key *cache.Key, fn func(rows []Row)) error
	Transaction() Transaction
	Close(ctx context.Context, forceRollback bool) error
	IsClosed() bool
}

// LocalCacheScope controls how long first-level cache entries live.
type LocalCacheScope string

const (
	// ScopeSession keeps entries until the next update, commit or rollback.
	ScopeSession LocalCacheScope = "session"
	// ScopeStatement drops entries after every top-level query.
	ScopeStatement LocalCacheScope = "statement"
)

// DefaultMaxQueryDepth bounds how deeply queries may nest.
const DefaultMaxQueryDepth = 32

// Option configures an executor.
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	recorder    metrics.Recorder
	hooks       *Hooks
	environment string
	scope       LocalCacheScope
	maxDepth    int
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(r metrics.Recorder) Option { return func(o *options) { o.recorder = r } }

func WithHooks(h *Hooks) Option { return func(o *options) { o.hooks = h } }

// WithEnvironment adds id, typically the data source name, to every cache key.
func WithEnvironment(id string) Option { return func(o *options) { o.environment = id } }

func WithLocalCacheScope(s LocalCacheScope) Option { return func(o *options) { o.scope = s } }

// WithMaxQueryDepth limits query nesting; n <= 0 keeps DefaultMaxQueryDepth.
func WithMaxQueryDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:   zerolog.Nop(),
		scope:    ScopeSession,
		maxDepth: DefaultMaxQueryDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.recorder = metrics.OrDefault(o.recorder)
	return o
}

// strategy is the part that differs between executors: how statement handles
// are obtained, kept and flushed.
type strategy interface {
	doQuery(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args []any) ([]Row, error)
	doUpdate(ctx context.Context, ms *MappedStatement, args []any) (int64, error)
	doFlushStatements(ctx context.Context, isRollback bool) ([]BatchResult, error)
}

type localEntry struct {
	rows    []Row
	loading bool
}

type deferredLoad struct {
	key string
	fn  func(rows []Row)
}

// BaseExecutor implements Executor on top of a strategy. It owns the local
// (first-level) cache, the recursion guard and the lifecycle; the strategy
// only decides what happens to statement handles.
type BaseExecutor struct {
	tx       Transaction
	strategy strategy
	kind     string
	opts     options
	logger   zerolog.Logger
	stack    *errctx.Stack

	local      map[string]localEntry
	deferred   []deferredLoad
	queryStack int
	closed     bool
}

var _ Executor = (*BaseExecutor)(nil)

func newBaseExecutor(tx Transaction, kind string, opts []Option) (*BaseExecutor, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	o := newOptions(opts)
	return &BaseExecutor{
		tx:     tx,
		kind:   kind,
		opts:   o,
		logger: o.logger.With().Str("executor", kind).Logger(),
		stack:  errctx.NewStack(),
		local:  make(map[string]localEntry),
	}, nil
}

func (e *BaseExecutor) Transaction() Transaction { return e.tx }

func (e *BaseExecutor) IsClosed() bool { return e.closed }

func (e *BaseExecutor) checkOpen() error {
	if e.closed {
		return ErrExecutorClosed
	}
	return nil
}

// diagnostics returns the stack carried by ctx, or the executor's own.
func (e *BaseExecutor) diagnostics(ctx context.Context) *errctx.Stack {
	if s := errctx.FromContext(ctx); s != nil {
		return s
	}
	return e.stack
}

// enter starts a diagnostic frame for one operation. Nested operations get
// their own frame; a top-level one resets the stack when it returns.
func (e *BaseExecutor) enter(ctx context.Context) (*errctx.Context, func()) {
	stack := e.diagnostics(ctx)
	if e.queryStack > 0 {
		return stack.Store(), func() { stack.Recall() }
	}
	return stack.Instance(), func() { stack.Reset() }
}

// fail attaches the current diagnostic frame to err. Errors that already
// carry a frame, and the executor's own sentinels, pass through.
func (e *BaseExecutor) fail(ctx context.Context, err error) error {
	var ee *ExecutionError
	if errors.As(err, &ee) || errors.Is(err, ErrRecursiveLoad) || errors.Is(err, ErrExecutorClosed) {
		return err
	}
	frame := e.diagnostics(ctx).Instance().Cause(err)
	f := frame.Frame()
	return &ExecutionError{
		Activity:  f.Activity,
		Statement: f.Object,
		SQL:       f.SQL,
		Context:   frame.String(),
		Err:       err,
	}
}

// CreateCacheKey builds the key shared by both cache tiers: statement id,
// result window, SQL text, every argument in order and the environment id.
func (e *BaseExecutor) CreateCacheKey(ms *MappedStatement, bounds RowBounds, args ...any) (*cache.Key, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if ms == nil {
		return nil, ErrNilStatement
	}
	key := cache.NewKey(ms.ID, bounds.Offset, bounds.Limit, ms.SQL)
	key.UpdateAll(args...)
	if e.opts.environment != "" {
		key.Update(e.opts.environment)
	}
	return key, nil
}

// IsCached reports whether key is in the local cache, loaded or loading.
func (e *BaseExecutor) IsCached(_ *MappedStatement, key *cache.Key) bool {
	if e.closed || key == nil {
		return false
	}
	_, ok := e.local[key.String()]
	return ok
}

func (e *BaseExecutor) ClearLocalCache() {
	if e.closed {
		return
	}
	clear(e.local)
}

func (e *BaseExecutor) Query(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args ...any) ([]Row, error) {
	key, err := e.CreateCacheKey(ms, bounds, args...)
	if err != nil {
		return nil, err
	}
	frame, leave := e.enter(ctx)
	defer leave()
	frame.Resource(ms.Resource).Activity("executing a query").Object(ms.ID)

	if e.queryStack == 0 && ms.FlushCache {
		e.ClearLocalCache()
	}
	if e.queryStack >= e.opts.maxDepth {
		return nil, fmt.Errorf("%w: %s nested deeper than %d queries", ErrRecursiveLoad, ms.ID, e.opts.maxDepth)
	}

	k := key.String()
	if ent, ok := e.local[k]; ok {
		if ent.loading {
			return nil, fmt.Errorf("%w: %s", ErrRecursiveLoad, ms.ID)
		}
		if handler == nil {
			e.logger.Debug().Str("statement", ms.ID).Msg("local cache hit")
			return ent.rows, nil
		}
	}

	if err := e.opts.hooks.trigger(ctx, e.logger, EventTypeBeforeQuery, ms, args); err != nil {
		return nil, err
	}

	e.queryStack++
	rows, err := e.queryFromDatabase(ctx, ms, k, bounds, handler, args)
	e.queryStack--

	if e.queryStack == 0 {
		if err == nil {
			e.runDeferred()
		}
		e.deferred = nil
		if e.opts.scope == ScopeStatement {
			e.ClearLocalCache()
		}
	}
	if err != nil {
		return nil, err
	}
	if err := e.opts.hooks.trigger(ctx, e.logger, EventTypeAfterQuery, ms, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *BaseExecutor) queryFromDatabase(ctx context.Context, ms *MappedStatement, k string, bounds RowBounds, handler ResultHandler, args []any) ([]Row, error) {
	e.local[k] = localEntry{loading: true}
	done := metrics.TimeStatement(e.opts.recorder, ms.Kind.String())
	rows, err := e.strategy.doQuery(ctx, ms, bounds, handler, args)
	done(err == nil)
	delete(e.local, k)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		e.local[k] = localEntry{rows: rows}
	}
	return rows, nil
}

func (e *BaseExecutor) runDeferred() {
	loads := e.deferred
	e.deferred = nil
	for _, d := range loads {
		d.fn(e.local[d.key].rows)
	}
}

// DeferLoad hands the rows cached under key to fn. If they are already
// loaded fn runs now, otherwise once the outermost query completes.
func (e *BaseExecutor) DeferLoad(ms *MappedStatement, key *cache.Key, fn func(rows []Row)) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if ms == nil {
		return ErrNilStatement
	}
	k := key.String()
	if ent, ok := e.local[k]; ok && !ent.loading {
		fn(ent.rows)
		return nil
	}
	e.deferred = append(e.deferred, deferredLoad{key: k, fn: fn})
	return nil
}

func (e *BaseExecutor) Update(ctx context.Context, ms *MappedStatement, args ...any) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if ms == nil {
		return 0, ErrNilStatement
	}
	frame, leave := e.enter(ctx)
	defer leave()
	frame.Resource(ms.Resource).Activity("executing an update").Object(ms.ID)

	if err := e.opts.hooks.trigger(ctx, e.logger, EventTypeBeforeUpdate, ms, args); err != nil {
		return 0, err
	}
	e.ClearLocalCache()
	done := metrics.TimeStatement(e.opts.recorder, ms.Kind.String())
	n, err := e.strategy.doUpdate(ctx, ms, args)
	done(err == nil)
	if err != nil {
		return 0, err
	}
	if err := e.opts.hooks.trigger(ctx, e.logger, EventTypeAfterUpdate, ms, n); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *BaseExecutor) FlushStatements(ctx context.Context, isRollback bool) ([]BatchResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	frame, leave := e.enter(ctx)
	defer leave()
	frame.Activity("flushing statements")
	return e.strategy.doFlushStatements(ctx, isRollback)
}

// Commit flushes pending statements and, when required, commits the
// transaction. The local cache is cleared either way.
func (e *BaseExecutor) Commit(ctx context.Context, required bool) error {
	if err := e.checkOpen(); err != nil {
		return fmt.Errorf("cannot commit: %w", err)
	}
	frame, leave := e.enter(ctx)
	defer leave()
	frame.Activity("committing")

	if err := e.opts.hooks.trigger(ctx, e.logger, EventTypeBeforeCommit, nil, required); err != nil {
		return err
	}
	e.ClearLocalCache()
	defer e.ClearLocalCache()
	if _, err := e.strategy.doFlushStatements(ctx, false); err != nil {
		return err
	}
	if required {
		if err := e.tx.Commit(ctx); err != nil {
			return e.fail(ctx, err)
		}
	}
	return e.opts.hooks.trigger(ctx, e.logger, EventTypeAfterCommit, nil, required)
}

// Rollback discards pending statements and, when required, rolls the
// transaction back. The local cache is cleared either way.
func (e *BaseExecutor) Rollback(ctx context.Context, required bool) error {
	if err := e.checkOpen(); err != nil {
		return fmt.Errorf("cannot roll back: %w", err)
	}
	frame, leave := e.enter(ctx)
	defer leave()
	frame.Activity("rolling back")
	return e.rollback(ctx, required)
}

func (e *BaseExecutor) rollback(ctx context.Context, required bool) error {
	if err := e.opts.hooks.trigger(ctx, e.logger, EventTypeBeforeRollback, nil, required); err != nil {
		return err
	}
	defer e.ClearLocalCache()
	_, flushErr := e.strategy.doFlushStatements(ctx, true)
	var txErr error
	if required {
		if err := e.tx.Rollback(ctx); err != nil {
			txErr = e.fail(ctx, err)
		}
	}
	if err := errors.Join(flushErr, txErr); err != nil {
		return err
	}
	return e.opts.hooks.trigger(ctx, e.logger, EventTypeAfterRollback, nil, required)
}

// Close rolls back pending work (the transaction itself only when
// forceRollback is set), releases every statement handle and closes the
// transaction. Closing twice is a no-op.
func (e *BaseExecutor) Close(ctx context.Context, forceRollback bool) error {
	if e.closed {
		return nil
	}
	frame, leave := e.enter(ctx)
	defer leave()
	frame.Activity("closing")

	rbErr := e.rollback(ctx, forceRollback)
	closeErr := e.tx.Close()

	e.closed = true
	e.local = nil
	e.deferred = nil

	if err := errors.Join(rbErr, closeErr); err != nil {
		e.logger.Warn().Err(err).Msg("unexpected error closing executor")
		return err
	}
	return nil
}

// --- helpers shared by the strategies ---

// prepare asks the transaction for a fresh statement handle.
func (e *BaseExecutor) prepare(ctx context.Context, ms *MappedStatement) (StatementHandle, error) {
	e.diagnostics(ctx).Instance().SQL(ms.SQL)
	e.logger.Debug().Str("statement", ms.ID).Msgf("==>  Preparing: %s", utils.NormalizeSQL(ms.SQL))
	e.opts.recorder.IncPrepare(e.kind)
	h, err := e.tx.Prepare(ctx, ms.SQL)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	return h, nil
}

// withHandle prepares a handle, passes it to fn and closes it on every path.
func (e *BaseExecutor) withHandle(ctx context.Context, ms *MappedStatement, fn func(StatementHandle) error) error {
	h, err := e.prepare(ctx, ms)
	if err != nil {
		return err
	}
	defer e.release(h)
	return fn(h)
}

// release closes h. A close failure is logged, not returned: the statement
// already ran and its outcome is what the caller needs.
func (e *BaseExecutor) release(h StatementHandle) {
	if err := h.Close(); err != nil {
		e.logger.Warn().Err(err).Str("sql", utils.NormalizeSQL(h.SQL())).Msg("failed to close statement handle")
	}
}

func (e *BaseExecutor) bind(ctx context.Context, ms *MappedStatement, h StatementHandle, args []any) error {
	e.diagnostics(ctx).Instance().SQL(ms.SQL)
	e.logger.Debug().Str("statement", ms.ID).Msgf("==> Parameters: %s", formatParams(args))
	if err := h.Bind(args...); err != nil {
		return e.fail(ctx, err)
	}
	return nil
}

func (e *BaseExecutor) runQuery(ctx context.Context, ms *MappedStatement, h StatementHandle, bounds RowBounds, handler ResultHandler, args []any) ([]Row, error) {
	if err := e.bind(ctx, ms, h, args); err != nil {
		return nil, err
	}
	stream, err := h.Query(ctx)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	rows, total, err := collectRows(stream, bounds, handler)
	if cerr := stream.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	e.logger.Debug().Str("statement", ms.ID).Msgf("<==      Total: %d", total)
	return rows, nil
}

func (e *BaseExecutor) runUpdate(ctx context.Context, ms *MappedStatement, h StatementHandle, args []any) (int64, error) {
	if err := e.bind(ctx, ms, h, args); err != nil {
		return 0, err
	}
	n, err := h.Exec(ctx)
	if err != nil {
		return 0, e.fail(ctx, err)
	}
	e.logger.Debug().Str("statement", ms.ID).Msgf("<==    Updates: %d", n)
	return n, nil
}

// collectRows applies the result window. Rows go to handler when one is
// given, otherwise they are returned.
func collectRows(stream RowStream, bounds RowBounds, handler ResultHandler) ([]Row, int, error) {
	limit := bounds.Limit
	if limit <= 0 {
		limit = NoLimit
	}
	var rows []Row
	if handler == nil {
		rows = make([]Row, 0)
	}
	skipped, total := 0, 0
	for total < limit && stream.Next() {
		row, err := stream.Row()
		if err != nil {
			return nil, total, err
		}
		if skipped < bounds.Offset {
			skipped++
			continue
		}
		total++
		if handler != nil {
			if err := handler(row); err != nil {
				return nil, total, err
			}
			continue
		}
		rows = append(rows, row)
	}
	return rows, total, stream.Err()
}

func formatParams(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			parts[i] = "null"
			continue
		}
		parts[i] = fmt.Sprintf("%v(%T)", a, a)
	}
	return strings.Join(parts, ", ")
}
