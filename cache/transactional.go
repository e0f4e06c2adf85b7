package cache

import (
	"context"
	"errors"
	"fmt"

	"sqlexec/internal/utils"
)

// Transactional buffers the writes one unit of work makes to a shared cache.
// Puts and clears are staged and reach the delegate only on Commit; Rollback
// drops them. Reads go straight to the committed delegate, except after a
// staged Clear, when the committed contents are already considered stale.
//
// A Transactional belongs to one unit of work and is not safe for concurrent
// use. The delegate it wraps is.
type Transactional struct {
	delegate      Cache
	clearOnCommit bool
	staged        *utils.OrderedMap[Entry]
}

// NewTransactional stages writes for delegate.
func NewTransactional(delegate Cache) *Transactional {
	return &Transactional{delegate: delegate, staged: utils.NewOrderedMap[Entry]()}
}

func (t *Transactional) Delegate() Cache { return t.delegate }

// Pending reports the number of staged puts.
func (t *Transactional) Pending() int { return t.staged.Len() }

// ClearOnCommit reports whether a Clear has been staged.
func (t *Transactional) ClearOnCommit() bool { return t.clearOnCommit }

// Get returns the committed value for key. Staged puts are not consulted.
func (t *Transactional) Get(ctx context.Context, key *Key) (any, bool, error) {
	if t.clearOnCommit {
		return nil, false, nil
	}
	return t.delegate.Get(ctx, key)
}

// Load returns the committed value or computes it with fn. When the delegate
// is a Loader, concurrent units of work missing the same key share one fn.
func (t *Transactional) Load(ctx context.Context, key *Key, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	if !t.clearOnCommit {
		if l, ok := t.delegate.(Loader); ok {
			return l.Load(ctx, key, fn)
		}
		if v, ok, err := t.delegate.Get(ctx, key); err != nil || ok {
			return v, ok, err
		}
	}
	v, err := fn(ctx)
	return v, false, err
}

// Put stages value for key. A later Put for the same key replaces it.
func (t *Transactional) Put(key *Key, value any) {
	t.staged.Set(key.String(), Entry{Key: key, Value: value})
}

// Clear stages a clear of the whole namespace and drops earlier staged puts.
func (t *Transactional) Clear() {
	t.clearOnCommit = true
	t.staged.Clear()
}

// Commit applies the staged clear and puts to the delegate in one step and
// resets the staging buffer, even when the delegate fails.
func (t *Transactional) Commit(ctx context.Context) error {
	defer t.reset()
	if !t.clearOnCommit && t.staged.Len() == 0 {
		return nil
	}
	entries := make([]Entry, 0, t.staged.Len())
	t.staged.Range(func(_ string, e Entry) bool {
		entries = append(entries, e)
		return true
	})
	if err := Apply(ctx, t.delegate, t.clearOnCommit, entries); err != nil {
		return fmt.Errorf("commit cache %s: %w", t.delegate.ID(), err)
	}
	return nil
}

// Rollback discards everything staged.
func (t *Transactional) Rollback() {
	t.reset()
}

func (t *Transactional) reset() {
	t.clearOnCommit = false
	t.staged.Clear()
}

// TransactionalManager keeps one Transactional per namespace cache touched
// during a unit of work.
type TransactionalManager struct {
	caches map[Cache]*Transactional
	order  []Cache
}

func NewTransactionalManager() *TransactionalManager {
	return &TransactionalManager{caches: make(map[Cache]*Transactional)}
}

// For returns the staging buffer for c, creating it on first use.
func (m *TransactionalManager) For(c Cache) *Transactional {
	t, ok := m.caches[c]
	if !ok {
		t = NewTransactional(c)
		m.caches[c] = t
		m.order = append(m.order, c)
	}
	return t
}

func (m *TransactionalManager) Get(ctx context.Context, c Cache, key *Key) (any, bool, error) {
	return m.For(c).Get(ctx, key)
}

func (m *TransactionalManager) Load(ctx context.Context, c Cache, key *Key, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	return m.For(c).Load(ctx, key, fn)
}

func (m *TransactionalManager) Put(c Cache, key *Key, value any) {
	m.For(c).Put(key, value)
}

func (m *TransactionalManager) Clear(c Cache) {
	m.For(c).Clear()
}

// Commit commits every touched cache in first-touch order. A failing cache
// does not stop the others; all failures are joined.
func (m *TransactionalManager) Commit(ctx context.Context) error {
	var errs []error
	for _, c := range m.order {
		if err := m.caches[c].Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *TransactionalManager) Rollback() {
	for _, c := range m.order {
		m.caches[c].Rollback()
	}
}
