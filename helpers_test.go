package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sqlexec/common"
)

// fakeDB records every call the executors make against it. All fakeTx values
// created from one fakeDB share its counters.
type fakeDB struct {
	mu sync.Mutex

	prepares  int
	prepared  []string
	closes    int
	queries   int
	execs     int
	batches   int
	batchArgs [][][]any
	commits   int
	rollbacks int
	txCloses  int

	rows        func(sql string, args []any) []Row
	prepareErr  error
	execErr     error
	batchFailAt int // 1-based binding index that fails; 0 disables
	addBatchErr error
	queryGate   chan struct{}
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		rows: func(_ string, args []any) []Row {
			id := any(nil)
			if len(args) > 0 {
				id = args[0]
			}
			return []Row{{"id": id, "name": fmt.Sprintf("row-%v", id)}}
		},
	}
}

func (db *fakeDB) tx() *fakeTx { return &fakeTx{db: db} }

func (db *fakeDB) count(f func(db *fakeDB) int) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return f(db)
}

type fakeTx struct {
	db     *fakeDB
	closed bool
}

func (t *fakeTx) Prepare(_ context.Context, sql string) (StatementHandle, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.db.prepareErr != nil {
		return nil, t.db.prepareErr
	}
	t.db.prepares++
	t.db.prepared = append(t.db.prepared, sql)
	return &fakeHandle{db: t.db, sql: sql}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.rollbacks++
	return nil
}

func (t *fakeTx) Close() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.txCloses++
	t.closed = true
	return nil
}

type fakeHandle struct {
	db     *fakeDB
	sql    string
	args   []any
	batch  [][]any
	closed bool
}

func (h *fakeHandle) SQL() string { return h.sql }

func (h *fakeHandle) Bind(args ...any) error {
	if h.closed {
		return common.ErrHandleClosed
	}
	h.args = append([]any(nil), args...)
	return nil
}

func (h *fakeHandle) Query(context.Context) (RowStream, error) {
	if h.closed {
		return nil, common.ErrHandleClosed
	}
	if h.db.queryGate != nil {
		<-h.db.queryGate
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	h.db.queries++
	return &sliceStream{rows: h.db.rows(h.sql, h.args)}, nil
}

func (h *fakeHandle) Exec(context.Context) (int64, error) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	if h.db.execErr != nil {
		return 0, h.db.execErr
	}
	h.db.execs++
	return 1, nil
}

func (h *fakeHandle) AddBatch() error {
	h.db.mu.Lock()
	err := h.db.addBatchErr
	h.db.mu.Unlock()
	if err != nil {
		return err
	}
	h.batch = append(h.batch, h.args)
	return nil
}

func (h *fakeHandle) ExecuteBatch(context.Context) ([]int64, error) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	h.db.batches++
	h.db.batchArgs = append(h.db.batchArgs, h.batch)
	bindings := h.batch
	h.batch = nil
	counts := make([]int64, 0, len(bindings))
	for i := range bindings {
		if h.db.batchFailAt == i+1 {
			return counts, &common.BatchError{Index: i, Counts: counts, Err: errors.New("constraint violation")}
		}
		counts = append(counts, 1)
	}
	return counts, nil
}

func (h *fakeHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	h.db.closes++
	return nil
}

func (h *fakeHandle) Closed() bool { return h.closed }

type sliceStream struct {
	rows []Row
	pos  int
}

func (s *sliceStream) Next() bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Row() (Row, error) { return s.rows[s.pos-1], nil }
func (s *sliceStream) Err() error        { return nil }
func (s *sliceStream) Close() error      { return nil }

var (
	selectByID = NewStatement("users.selectByID", "SELECT id, name FROM users WHERE id = ?", KindSelect)
	updateName = NewStatement("users.updateName", "UPDATE users SET name = ? WHERE id = ?", KindUpdate)
	insertUser = NewStatement("users.insert", "INSERT INTO users (id, name) VALUES (?, ?)", KindInsert)
)
