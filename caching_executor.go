package sqlexec

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"sqlexec/cache"
)

// CachingExecutor adds the namespace (second-level) cache in front of any
// executor. Results it reads from the database are staged per unit of work
// and only become visible to other executors on Commit.
type CachingExecutor struct {
	delegate Executor
	tcm      *cache.TransactionalManager
	logger   zerolog.Logger
}

var _ Executor = (*CachingExecutor)(nil)

func NewCachingExecutor(delegate Executor, logger zerolog.Logger) *CachingExecutor {
	return &CachingExecutor{
		delegate: delegate,
		tcm:      cache.NewTransactionalManager(),
		logger:   logger.With().Str("executor", "caching").Logger(),
	}
}

// Delegate returns the wrapped executor.
func (c *CachingExecutor) Delegate() Executor { return c.delegate }

func (c *CachingExecutor) Transaction() Transaction { return c.delegate.Transaction() }

func (c *CachingExecutor) IsClosed() bool { return c.delegate.IsClosed() }

func (c *CachingExecutor) Query(ctx context.Context, ms *MappedStatement, bounds RowBounds, handler ResultHandler, args ...any) ([]Row, error) {
	key, err := c.delegate.CreateCacheKey(ms, bounds, args...)
	if err != nil {
		return nil, err
	}
	nc := ms.Cache
	if nc == nil {
		return c.delegate.Query(ctx, ms, bounds, handler, args...)
	}
	if ms.FlushCache {
		c.tcm.Clear(nc)
	}
	if !ms.UseCache || handler != nil {
		return c.delegate.Query(ctx, ms, bounds, handler, args...)
	}

	computed := false
	load := func(ctx context.Context) (any, error) {
		computed = true
		return c.delegate.Query(ctx, ms, bounds, nil, args...)
	}
	v, _, err := c.tcm.Load(ctx, nc, key, load)
	if err != nil {
		return nil, err
	}
	rows, ok := v.([]Row)
	if !ok && v != nil {
		return nil, fmt.Errorf("cache %s holds %T for %s, want []Row", nc.ID(), v, ms.ID)
	}
	// Committed hits and results shared by a concurrent loader are not
	// staged again; the loader's own unit of work publishes them.
	if computed {
		c.tcm.Put(nc, key, rows)
	}
	return rows, nil
}

// Update stages a clear of the statement's namespace cache before running it.
// The clear stays staged when the update fails, so the next commit still
// drops the namespace.
func (c *CachingExecutor) Update(ctx context.Context, ms *MappedStatement, args ...any) (int64, error) {
	if ms != nil && ms.Cache != nil && ms.FlushCache && !c.delegate.IsClosed() {
		c.tcm.Clear(ms.Cache)
	}
	return c.delegate.Update(ctx, ms, args...)
}

func (c *CachingExecutor) FlushStatements(ctx context.Context, isRollback bool) ([]BatchResult, error) {
	return c.delegate.FlushStatements(ctx, isRollback)
}

// Commit commits the delegate and then publishes everything staged.
func (c *CachingExecutor) Commit(ctx context.Context, required bool) error {
	if err := c.delegate.Commit(ctx, required); err != nil {
		return err
	}
	return c.tcm.Commit(ctx)
}

// Rollback rolls the delegate back and drops everything staged.
func (c *CachingExecutor) Rollback(ctx context.Context, required bool) error {
	defer func() {
		if required {
			c.tcm.Rollback()
		}
	}()
	return c.delegate.Rollback(ctx, required)
}

// Close publishes staged entries unless forceRollback is set, then closes
// the delegate.
func (c *CachingExecutor) Close(ctx context.Context, forceRollback bool) error {
	if c.delegate.IsClosed() {
		return nil
	}
	var cacheErr error
	if forceRollback {
		c.tcm.Rollback()
	} else {
		cacheErr = c.tcm.Commit(ctx)
	}
	closeErr := c.delegate.Close(ctx, forceRollback)
	if err := errors.Join(cacheErr, closeErr); err != nil {
		c.logger.Warn().Err(err).Msg("unexpected error closing executor")
		return err
	}
	return nil
}

func (c *CachingExecutor) CreateCacheKey(ms *MappedStatement, bounds RowBounds, args ...any) (*cache.Key, error) {
	return c.delegate.CreateCacheKey(ms, bounds, args...)
}

func (c *CachingExecutor) IsCached(ms *MappedStatement, key *cache.Key) bool {
	return c.delegate.IsCached(ms, key)
}

func (c *CachingExecutor) DeferLoad(ms *MappedStatement, key *cache.Key, fn func(rows []Row)) error {
	return c.delegate.DeferLoad(ms, key, fn)
}

func (c *CachingExecutor) ClearLocalCache() {
	c.delegate.ClearLocalCache()
}
