package sqlexec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlexec/cache"
)

func newCaching(t *testing.T, db *fakeDB) *CachingExecutor {
	t.Helper()
	base, err := NewSimpleExecutor(db.tx())
	require.NoError(t, err)
	return NewCachingExecutor(base, zerolog.Nop())
}

func cachedStatements(c cache.Cache) (*MappedStatement, *MappedStatement) {
	sel := *selectByID
	upd := *updateName
	return sel.WithCache(c), upd.WithCache(c)
}

func TestCachingExecutor_CommitPublishes(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	sel, _ := cachedStatements(cache.NewBuilder("users").Build())

	e := newCaching(t, db)
	rows, err := e.Query(ctx, sel, DefaultRowBounds, nil, 2)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, true))

	for i := 0; i < 2; i++ {
		other := newCaching(t, db)
		again, err := other.Query(ctx, sel, DefaultRowBounds, nil, 2)
		require.NoError(t, err)
		assert.Equal(t, rows, again)
	}
	assert.Equal(t, 1, queries(db), "later units of work are served from the namespace cache")
	assert.Equal(t, 1, prepares(db))
}

func TestCachingExecutor_Visibility(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	nc := cache.NewBuilder("users").Build()
	sel, _ := cachedStatements(nc)

	uow1 := newCaching(t, db)
	uow2 := newCaching(t, db)

	_, err := uow1.Query(ctx, sel, DefaultRowBounds, nil, 2)
	require.NoError(t, err)
	_, err = uow2.Query(ctx, sel, DefaultRowBounds, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, queries(db), "uncommitted results are invisible to other units of work")

	require.NoError(t, uow1.Rollback(ctx, true))
	n, _ := nc.Size(ctx)
	assert.Equal(t, 0, n, "rolled back results never reach the cache")

	require.NoError(t, uow2.Commit(ctx, true))
	n, _ = nc.Size(ctx)
	assert.Equal(t, 1, n)
}

func TestCachingExecutor_UpdateInvalidatesOnCommit(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	nc := cache.NewBuilder("users").Build()
	sel, upd := cachedStatements(nc)

	warm := newCaching(t, db)
	_, _ = warm.Query(ctx, sel, DefaultRowBounds, nil, 2)
	require.NoError(t, warm.Commit(ctx, true))

	writer := newCaching(t, db)
	_, err := writer.Update(ctx, upd, "X", 2)
	require.NoError(t, err)

	n, _ := nc.Size(ctx)
	assert.Equal(t, 1, n, "invalidation waits for commit")

	// The writer no longer trusts the committed entry.
	_, err = writer.Query(ctx, sel, DefaultRowBounds, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, queries(db))

	require.NoError(t, writer.Commit(ctx, true))
	n, _ = nc.Size(ctx)
	assert.Equal(t, 1, n, "the clear is applied before the writer's fresh result")
}

func TestCachingExecutor_Bypass(t *testing.T) {
	ctx := context.Background()
	nc := cache.NewBuilder("users").Build()
	sel, _ := cachedStatements(nc)

	t.Run("Handler", func(t *testing.T) {
		db := newFakeDB()
		e := newCaching(t, db)
		_, err := e.Query(ctx, sel, DefaultRowBounds, func(Row) error { return nil }, 3)
		require.NoError(t, err)
		require.NoError(t, e.Commit(ctx, true))
		n, _ := nc.Size(ctx)
		assert.Equal(t, 0, n)
	})

	t.Run("UseCacheOff", func(t *testing.T) {
		db := newFakeDB()
		e := newCaching(t, db)
		noCache := *sel
		noCache.UseCache = false
		_, err := e.Query(ctx, &noCache, DefaultRowBounds, nil, 3)
		require.NoError(t, err)
		require.NoError(t, e.Commit(ctx, true))
		n, _ := nc.Size(ctx)
		assert.Equal(t, 0, n)
	})

	t.Run("NoNamespaceCache", func(t *testing.T) {
		db := newFakeDB()
		e := newCaching(t, db)
		_, err := e.Query(ctx, selectByID, DefaultRowBounds, nil, 3)
		require.NoError(t, err)
		_, err = e.Query(ctx, selectByID, DefaultRowBounds, nil, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, queries(db), "the delegate's local cache still applies")
	})
}

func TestCachingExecutor_DelegateFailureStagesNothing(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.prepareErr = errors.New("database is down")
	nc := cache.NewBuilder("users").Build()
	sel, _ := cachedStatements(nc)

	e := newCaching(t, db)
	_, err := e.Query(ctx, sel, DefaultRowBounds, nil, 2)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee, "delegate errors propagate unchanged")

	require.NoError(t, e.Commit(ctx, true))
	n, _ := nc.Size(ctx)
	assert.Equal(t, 0, n)
}

func TestCachingExecutor_Close(t *testing.T) {
	ctx := context.Background()
	nc := cache.NewBuilder("users").Build()
	sel, _ := cachedStatements(nc)

	t.Run("CommitsStaging", func(t *testing.T) {
		db := newFakeDB()
		e := newCaching(t, db)
		_, _ = e.Query(ctx, sel, DefaultRowBounds, nil, 4)
		require.NoError(t, e.Close(ctx, false))
		assert.True(t, e.IsClosed())
		n, _ := nc.Size(ctx)
		assert.Equal(t, 1, n)
		require.NoError(t, e.Close(ctx, false))
	})

	t.Run("ForceRollbackDiscards", func(t *testing.T) {
		require.NoError(t, nc.Clear(ctx))
		db := newFakeDB()
		e := newCaching(t, db)
		_, _ = e.Query(ctx, sel, DefaultRowBounds, nil, 5)
		require.NoError(t, e.Close(ctx, true))
		n, _ := nc.Size(ctx)
		assert.Equal(t, 0, n)
		assert.Equal(t, 1, db.rollbacks)

		_, err := e.Query(ctx, sel, DefaultRowBounds, nil, 5)
		assert.ErrorIs(t, err, ErrExecutorClosed)
	})
}

func TestCachingExecutor_BatchDelegate(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	nc := cache.NewBuilder("users").Build()
	_, upd := cachedStatements(nc)

	base, err := NewBatchExecutor(db.tx())
	require.NoError(t, err)
	e := NewCachingExecutor(base, zerolog.Nop())

	for i := 0; i < 3; i++ {
		n, err := e.Update(ctx, upd, "X", i)
		require.NoError(t, err)
		assert.Equal(t, BatchUpdatePending, n)
	}
	results, err := e.FlushStatements(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].UpdateCounts, 3)
}

func TestCachingExecutor_FailedUpdateKeepsStagedClear(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	nc := cache.NewBuilder("users").Build()
	sel, upd := cachedStatements(nc)

	warm := newCaching(t, db)
	_, _ = warm.Query(ctx, sel, DefaultRowBounds, nil, 2)
	require.NoError(t, warm.Commit(ctx, true))

	db.execErr = errors.New("deadlock detected")
	writer := newCaching(t, db)
	_, err := writer.Update(ctx, upd, "X", 2)
	require.Error(t, err)

	n, _ := nc.Size(ctx)
	assert.Equal(t, 1, n)

	require.NoError(t, writer.Commit(ctx, true))
	n, _ = nc.Size(ctx)
	assert.Equal(t, 0, n, "a failed update still invalidates the namespace on commit")
}

func TestCachingExecutor_BlockingSingleComputation(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.queryGate = make(chan struct{})
	nc := cache.NewBuilder("users").Blocking(time.Second).Build()
	sel, _ := cachedStatements(nc)

	const workers = 2
	results := make([][]Row, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		e := newCaching(t, db)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Query(ctx, sel, DefaultRowBounds, nil, 2)
		}(i)
	}

	// Give both callers time to meet on the same key before the query returns.
	time.Sleep(50 * time.Millisecond)
	close(db.queryGate)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1, queries(db), "concurrent misses for one key run one query")
}
