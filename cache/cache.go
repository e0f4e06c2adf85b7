// Package cache implements the namespace-scoped second-level cache: the
// composite cache key, a pluggable store contract, in-memory storage,
// eviction/scheduling/logging/blocking decorators and the per-unit-of-work
// staging layer that keeps uncommitted results invisible to other readers.
package cache

import (
	"context"
	"sync"

	"sqlexec/internal/locker"
)

// Cache is a namespace-scoped key/value store shared by many units of work.
// Implementations must be safe for concurrent use.
type Cache interface {
	ID() string
	Get(ctx context.Context, key *Key) (any, bool, error)
	Put(ctx context.Context, key *Key, value any) error
	Remove(ctx context.Context, key *Key) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// Locker is implemented by stores that can hold a per-key lock, possibly
// shared across processes.
type Locker interface {
	Lock(ctx context.Context, key *Key) error
	Unlock(ctx context.Context, key *Key) error
}

// Loader is implemented by blocking caches. Concurrent Loads of the same key
// share a single call to fn; shared reports whether the value came from
// another caller's computation or from the store.
type Loader interface {
	Load(ctx context.Context, key *Key, fn func(ctx context.Context) (any, error)) (value any, shared bool, err error)
}

// Entry is one staged key/value pair.
type Entry struct {
	Key   *Key
	Value any
}

// Applier is implemented by caches that can apply a whole commit (optional
// clear followed by puts) as one step that readers never observe half-done.
type Applier interface {
	Apply(ctx context.Context, clear bool, entries []Entry) error
}

// Apply writes a commit into c, atomically when c supports it.
func Apply(ctx context.Context, c Cache, clear bool, entries []Entry) error {
	if a, ok := c.(Applier); ok {
		return a.Apply(ctx, clear, entries)
	}
	if clear {
		if err := c.Clear(ctx); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := c.Put(ctx, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// wrapper is implemented by decorators.
type wrapper interface {
	Unwrap() Cache
}

// FindLocker walks the decorator chain of c and returns the first Locker.
func FindLocker(c Cache) (Locker, bool) {
	for c != nil {
		if l, ok := c.(Locker); ok {
			return l, true
		}
		w, ok := c.(wrapper)
		if !ok {
			return nil, false
		}
		c = w.Unwrap()
	}
	return nil, false
}

type memoryEntry struct {
	key   *Key
	value any
}

// Memory is an unbounded in-process store. It never evicts on its own; wrap
// it with NewLRU or NewScheduled for that.
type Memory struct {
	id      string
	mu      sync.RWMutex
	entries map[string]memoryEntry
	locks   *locker.KeyLockManager
}

var (
	_ Cache   = (*Memory)(nil)
	_ Applier = (*Memory)(nil)
	_ Locker  = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store for the given namespace.
func NewMemory(id string) *Memory {
	return &Memory{id: id, entries: make(map[string]memoryEntry), locks: locker.New()}
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Get(_ context.Context, key *Key) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key.String()]
	return e.value, ok, nil
}

func (m *Memory) Put(_ context.Context, key *Key, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.String()] = memoryEntry{key: key, value: value}
	return nil
}

func (m *Memory) Remove(_ context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key.String())
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}

func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Apply clears and fills the store under a single write lock.
func (m *Memory) Apply(_ context.Context, clear bool, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clear {
		m.entries = make(map[string]memoryEntry)
	}
	for _, e := range entries {
		m.entries[e.Key.String()] = memoryEntry{key: e.Key, value: e.Value}
	}
	return nil
}

// Lock acquires the per-key lock, waiting until it is free or ctx is done.
func (m *Memory) Lock(ctx context.Context, key *Key) error {
	return m.locks.Lock(ctx, key.String())
}

func (m *Memory) Unlock(_ context.Context, key *Key) error {
	m.locks.Unlock(key.String())
	return nil
}
