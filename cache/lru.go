package cache

import (
	"container/list"
	"context"
	"sync"
)

// LRU bounds a cache to a fixed number of entries and evicts the least
// recently used one when the bound is exceeded.
type LRU struct {
	delegate Cache
	size     int

	mu    sync.Mutex
	order *list.List               // front = most recently used
	index map[string]*list.Element // key string -> element holding *Key
}

var (
	_ Cache   = (*LRU)(nil)
	_ Applier = (*LRU)(nil)
)

// NewLRU wraps delegate with least-recently-used eviction. A non-positive
// size defaults to DefaultSize.
func NewLRU(delegate Cache, size int) *LRU {
	if size <= 0 {
		size = DefaultSize
	}
	return &LRU{
		delegate: delegate,
		size:     size,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (l *LRU) ID() string    { return l.delegate.ID() }
func (l *LRU) Unwrap() Cache { return l.delegate }
func (l *LRU) Capacity() int { return l.size }

func (l *LRU) Get(ctx context.Context, key *Key) (any, bool, error) {
	l.touch(key)
	return l.delegate.Get(ctx, key)
}

func (l *LRU) Put(ctx context.Context, key *Key, value any) error {
	if err := l.delegate.Put(ctx, key, value); err != nil {
		return err
	}
	return l.evict(ctx, l.record(key))
}

func (l *LRU) Remove(ctx context.Context, key *Key) error {
	l.mu.Lock()
	if el, ok := l.index[key.String()]; ok {
		l.order.Remove(el)
		delete(l.index, key.String())
	}
	l.mu.Unlock()
	return l.delegate.Remove(ctx, key)
}

func (l *LRU) Clear(ctx context.Context) error {
	l.reset()
	return l.delegate.Clear(ctx)
}

func (l *LRU) Size(ctx context.Context) (int, error) {
	return l.delegate.Size(ctx)
}

func (l *LRU) Apply(ctx context.Context, clear bool, entries []Entry) error {
	if err := Apply(ctx, l.delegate, clear, entries); err != nil {
		return err
	}
	if clear {
		l.reset()
	}
	var eldest []*Key
	for _, e := range entries {
		eldest = append(eldest, l.record(e.Key)...)
	}
	return l.evict(ctx, eldest)
}

func (l *LRU) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order.Init()
	l.index = make(map[string]*list.Element)
}

func (l *LRU) touch(key *Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.index[key.String()]; ok {
		l.order.MoveToFront(el)
	}
}

// record marks key as most recently used and returns the keys that fell off
// the end of the list.
func (l *LRU) record(key *Key) []*Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := key.String()
	if el, ok := l.index[s]; ok {
		l.order.MoveToFront(el)
		return nil
	}
	l.index[s] = l.order.PushFront(key)
	var eldest []*Key
	for l.order.Len() > l.size {
		back := l.order.Back()
		k := back.Value.(*Key)
		l.order.Remove(back)
		delete(l.index, k.String())
		eldest = append(eldest, k)
	}
	return eldest
}

func (l *LRU) evict(ctx context.Context, keys []*Key) error {
	for _, k := range keys {
		if err := l.delegate.Remove(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
