package locker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// KeyLockManager manages one lock per key. Locks for different keys never
// block each other. Entries are reference counted and dropped once no
// goroutine holds or waits for them.
type KeyLockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // buffered(1): a token in the channel means "held"
	refs int
}

// New creates a new lock manager.
func New() *KeyLockManager {
	return &KeyLockManager{locks: make(map[string]*keyLock)}
}

func (m *KeyLockManager) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyLockManager) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock acquires the lock associated with the given key, blocking until it is
// free or ctx is done. The empty key is never locked.
func (m *KeyLockManager) Lock(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	l := m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return ctx.Err()
	}
}

// TryLock acquires the lock only if it is free right now.
func (m *KeyLockManager) TryLock(key string) bool {
	if key == "" {
		return true
	}
	l := m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		m.releaseRef(key, l)
		return false
	}
}

// Unlock releases the lock associated with the given key.
// Typically used with defer: `defer locks.Unlock(key)`.
func (m *KeyLockManager) Unlock(key string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	l, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		log.Warn().Str("key", key).Msg("attempted to unlock a key that was not locked")
		return
	}
	select {
	case <-l.ch:
		m.releaseRef(key, l)
	default:
		log.Warn().Str("key", key).Msg("attempted to unlock a key that was not locked")
	}
}

// Len reports how many keys currently have a holder or waiter.
func (m *KeyLockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
