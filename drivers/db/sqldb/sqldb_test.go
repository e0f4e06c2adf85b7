package sqldb

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlexec"
	"sqlexec/cache"
	"sqlexec/common"
	"sqlexec/drivers/db/sqlite"
)

const (
	selectUserByID = "SELECT id, name FROM users WHERE id = ?"
	updateUserName = "UPDATE users SET name = ? WHERE id = ?"
)

func setupMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "sqlmock")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func userRow(id int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name"}).AddRow(id, name)
}

var (
	selectStmt = sqlexec.NewStatement("users.selectByID", selectUserByID, sqlexec.KindSelect)
	updateStmt = sqlexec.NewStatement("users.updateName", updateUserName, sqlexec.KindUpdate)
)

func TestEndToEnd_SimplePreparesTwice(t *testing.T) {
	ctx := context.Background()
	db, mock := setupMock(t)

	for i := 0; i < 2; i++ {
		mock.ExpectPrepare(regexp.QuoteMeta(selectUserByID)).WillBeClosed()
		mock.ExpectQuery(regexp.QuoteMeta(selectUserByID)).WithArgs(2).WillReturnRows(userRow(2, "B"))
	}

	e, err := sqlexec.NewSimpleExecutor(NewTransaction(db, true))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		rows, err := e.Query(ctx, selectStmt, sqlexec.DefaultRowBounds, nil, 2)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "B", rows[0]["name"])
		require.NoError(t, e.Commit(ctx, true))
	}
	require.NoError(t, e.Close(ctx, false))
}

func TestEndToEnd_ReusePreparesOnce(t *testing.T) {
	ctx := context.Background()
	db, mock := setupMock(t)

	mock.ExpectPrepare(regexp.QuoteMeta(selectUserByID))
	mock.ExpectQuery(regexp.QuoteMeta(selectUserByID)).WithArgs(2).WillReturnRows(userRow(2, "B"))
	mock.ExpectQuery(regexp.QuoteMeta(selectUserByID)).WithArgs(2).WillReturnRows(userRow(2, "B"))

	e, err := sqlexec.NewReuseExecutor(NewTransaction(db, true))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := e.Query(ctx, selectStmt, sqlexec.DefaultRowBounds, nil, 2)
		require.NoError(t, err)
		e.ClearLocalCache()
	}
	require.NoError(t, e.Close(ctx, false))
}

func TestEndToEnd_BatchOneExecution(t *testing.T) {
	ctx := context.Background()
	db, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(updateUserName)).WillBeClosed()
	for i := 0; i < 3; i++ {
		mock.ExpectExec(regexp.QuoteMeta(updateUserName)).WithArgs("X", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	e, err := sqlexec.NewBatchExecutor(NewTransaction(db, false))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		n, err := e.Update(ctx, updateStmt, "X", 1)
		require.NoError(t, err)
		assert.Equal(t, sqlexec.BatchUpdatePending, n)
	}
	results, err := e.FlushStatements(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int64{1, 1, 1}, results[0].UpdateCounts)
	require.NoError(t, e.Commit(ctx, true))
}

func TestEndToEnd_CachingServesFromNamespace(t *testing.T) {
	ctx := context.Background()
	db, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(selectUserByID))
	mock.ExpectQuery(regexp.QuoteMeta(selectUserByID)).WithArgs(2).WillReturnRows(userRow(2, "B"))
	mock.ExpectCommit()

	nc := cache.NewBuilder("users").Build()
	sel := *selectStmt
	sel.Cache = nc

	base, err := sqlexec.NewSimpleExecutor(NewTransaction(db, false))
	require.NoError(t, err)
	e := sqlexec.NewCachingExecutor(base, zerolog.Nop())

	first, err := e.Query(ctx, &sel, sqlexec.DefaultRowBounds, nil, 2)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, true))

	for i := 0; i < 2; i++ {
		rows, err := e.Query(ctx, &sel, sqlexec.DefaultRowBounds, nil, 2)
		require.NoError(t, err)
		assert.Equal(t, first, rows)
	}
	stats := nc.(*cache.Logging).Stats()
	assert.Equal(t, int64(2), stats.Hits)
}

func TestTransaction_RollbackAndClose(t *testing.T) {
	ctx := context.Background()
	db, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(updateUserName))
	mock.ExpectExec(regexp.QuoteMeta(updateUserName)).WithArgs("X", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	tx := NewTransaction(db, false)
	h, err := tx.Prepare(ctx, updateUserName)
	require.NoError(t, err)
	require.NoError(t, h.Bind("X", 1))
	n, err := h.Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, tx.Close())
	assert.True(t, h.Closed(), "handles die with their transaction")
	assert.ErrorIs(t, h.Bind("Y", 1), common.ErrHandleClosed)
	_, err = tx.Prepare(ctx, updateUserName)
	assert.ErrorIs(t, err, common.ErrTransactionDone)
	require.NoError(t, tx.Close())
}

func TestStatement_BatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	db, mock := setupMock(t)

	boom := errors.New("duplicate key")
	mock.ExpectPrepare(regexp.QuoteMeta(updateUserName))
	mock.ExpectExec(regexp.QuoteMeta(updateUserName)).WithArgs("A", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(updateUserName)).WithArgs("B", 2).WillReturnError(boom)

	tx := NewTransaction(db, true)
	h, err := tx.Prepare(ctx, updateUserName)
	require.NoError(t, err)
	require.NoError(t, h.Bind("A", 1))
	require.NoError(t, h.AddBatch())
	require.NoError(t, h.Bind("B", 2))
	require.NoError(t, h.AddBatch())

	counts, err := h.ExecuteBatch(ctx)
	var be *common.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, []int64{1}, counts)
	assert.ErrorIs(t, err, boom)

	_, err = h.ExecuteBatch(ctx)
	assert.ErrorIs(t, err, common.ErrEmptyBatch)
}

func TestSQLite_Integration(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)

	insert := sqlexec.NewStatement("users.insert", "INSERT INTO users (id, name) VALUES (?, ?)", sqlexec.KindInsert)

	t.Run("BatchInsertCommit", func(t *testing.T) {
		e, err := sqlexec.NewBatchExecutor(NewTransaction(db, false))
		require.NoError(t, err)
		for i, name := range []string{"A", "B", "C"} {
			_, err := e.Update(ctx, insert, i+1, name)
			require.NoError(t, err)
		}
		require.NoError(t, e.Commit(ctx, true))
		require.NoError(t, e.Close(ctx, false))

		var count int
		require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM users"))
		assert.Equal(t, 3, count)
	})

	t.Run("RollbackDiscards", func(t *testing.T) {
		e, err := sqlexec.NewSimpleExecutor(NewTransaction(db, false))
		require.NoError(t, err)
		n, err := e.Update(ctx, updateStmt, "Z", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, e.Close(ctx, true))

		var name string
		require.NoError(t, db.Get(&name, "SELECT name FROM users WHERE id = 1"))
		assert.Equal(t, "A", name)
	})

	t.Run("ReuseAcrossCommit", func(t *testing.T) {
		e, err := sqlexec.NewReuseExecutor(NewTransaction(db, false))
		require.NoError(t, err)
		defer func() { _ = e.Close(ctx, false) }()

		rows, err := e.Query(ctx, selectStmt, sqlexec.DefaultRowBounds, nil, 2)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "B", rows[0]["name"])
		assert.Equal(t, int64(2), rows[0]["id"])

		require.NoError(t, e.Commit(ctx, true))
		rows, err = e.Query(ctx, selectStmt, sqlexec.DefaultRowBounds, nil, 3)
		require.NoError(t, err)
		assert.Equal(t, "C", rows[0]["name"])
	})

	t.Run("ExecutionErrorContext", func(t *testing.T) {
		e, err := sqlexec.NewSimpleExecutor(NewTransaction(db, true))
		require.NoError(t, err)
		_, err = e.Update(ctx, insert, 1, "duplicate")
		var ee *sqlexec.ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Contains(t, ee.Context, "### SQL: INSERT INTO users (id, name) VALUES (?, ?)")
		assert.Contains(t, ee.Error(), "UNIQUE constraint failed")
	})
}
