package cache

import (
	"context"
	"sync"
	"time"
)

// Scheduled clears its delegate once the flush interval has elapsed. The
// check runs lazily on every access; there is no background goroutine.
type Scheduled struct {
	delegate Cache
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastClear time.Time
}

var (
	_ Cache   = (*Scheduled)(nil)
	_ Applier = (*Scheduled)(nil)
)

// NewScheduled wraps delegate so that its content expires every interval.
func NewScheduled(delegate Cache, interval time.Duration) *Scheduled {
	return newScheduled(delegate, interval, time.Now)
}

func newScheduled(delegate Cache, interval time.Duration, now func() time.Time) *Scheduled {
	return &Scheduled{delegate: delegate, interval: interval, now: now, lastClear: now()}
}

func (s *Scheduled) ID() string    { return s.delegate.ID() }
func (s *Scheduled) Unwrap() Cache { return s.delegate }

// clearWhenStale reports whether the cache was cleared.
func (s *Scheduled) clearWhenStale(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(s.lastClear) <= s.interval {
		return false, nil
	}
	s.lastClear = s.now()
	return true, s.delegate.Clear(ctx)
}

func (s *Scheduled) Get(ctx context.Context, key *Key) (any, bool, error) {
	cleared, err := s.clearWhenStale(ctx)
	if err != nil || cleared {
		return nil, false, err
	}
	return s.delegate.Get(ctx, key)
}

func (s *Scheduled) Put(ctx context.Context, key *Key, value any) error {
	if _, err := s.clearWhenStale(ctx); err != nil {
		return err
	}
	return s.delegate.Put(ctx, key, value)
}

func (s *Scheduled) Remove(ctx context.Context, key *Key) error {
	if _, err := s.clearWhenStale(ctx); err != nil {
		return err
	}
	return s.delegate.Remove(ctx, key)
}

func (s *Scheduled) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.lastClear = s.now()
	s.mu.Unlock()
	return s.delegate.Clear(ctx)
}

func (s *Scheduled) Size(ctx context.Context) (int, error) {
	if _, err := s.clearWhenStale(ctx); err != nil {
		return 0, err
	}
	return s.delegate.Size(ctx)
}

func (s *Scheduled) Apply(ctx context.Context, clear bool, entries []Entry) error {
	if _, err := s.clearWhenStale(ctx); err != nil {
		return err
	}
	return Apply(ctx, s.delegate, clear, entries)
}
