package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"sqlexec/common"
)

// Blocking turns concurrent misses for one key into a single computation.
// Callers inside this process share the result of one in-flight Load; the
// computing caller additionally holds the store's Locker (when the chain has
// one) so that other processes sharing a remote store wait for it too.
// Different keys never block each other.
type Blocking struct {
	delegate Cache
	timeout  time.Duration
	group    singleflight.Group
}

var (
	_ Cache   = (*Blocking)(nil)
	_ Loader  = (*Blocking)(nil)
	_ Applier = (*Blocking)(nil)
)

// NewBlocking wraps delegate. timeout bounds how long a Load waits for the
// store lock; zero waits as long as ctx allows.
func NewBlocking(delegate Cache, timeout time.Duration) *Blocking {
	return &Blocking{delegate: delegate, timeout: timeout}
}

func (b *Blocking) ID() string    { return b.delegate.ID() }
func (b *Blocking) Unwrap() Cache { return b.delegate }

// Load returns the committed value for key, or computes it with fn. Only one
// fn per key runs at a time in this process; the others receive its result.
func (b *Blocking) Load(ctx context.Context, key *Key, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	v, err, shared := b.group.Do(key.String(), func() (any, error) {
		return b.load(ctx, key, fn)
	})
	return v, shared, err
}

func (b *Blocking) load(ctx context.Context, key *Key, fn func(ctx context.Context) (any, error)) (any, error) {
	if v, ok, err := b.delegate.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	if l, ok := FindLocker(b.delegate); ok {
		lockCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		if err := l.Lock(lockCtx, key); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("cache %s: %w", b.ID(), common.ErrLockTimeout)
			}
			return nil, fmt.Errorf("cache %s: %w", b.ID(), err)
		}
		defer func() { _ = l.Unlock(context.WithoutCancel(ctx), key) }()

		// Another holder may have committed the value while we waited.
		if v, ok, err := b.delegate.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}
	return fn(ctx)
}

func (b *Blocking) Get(ctx context.Context, key *Key) (any, bool, error) {
	return b.delegate.Get(ctx, key)
}

func (b *Blocking) Put(ctx context.Context, key *Key, value any) error {
	return b.delegate.Put(ctx, key, value)
}

func (b *Blocking) Remove(ctx context.Context, key *Key) error {
	return b.delegate.Remove(ctx, key)
}

func (b *Blocking) Clear(ctx context.Context) error {
	return b.delegate.Clear(ctx)
}

func (b *Blocking) Size(ctx context.Context) (int, error) {
	return b.delegate.Size(ctx)
}

func (b *Blocking) Apply(ctx context.Context, clear bool, entries []Entry) error {
	return Apply(ctx, b.delegate, clear, entries)
}
