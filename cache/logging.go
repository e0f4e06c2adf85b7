package cache

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"sqlexec/metrics"
)

// Stats holds hit/request counters of a Logging cache.
type Stats struct {
	Requests int64
	Hits     int64
}

// HitRatio returns Hits/Requests, or 0 before the first request.
func (s Stats) HitRatio() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Requests)
}

// Logging counts lookups, logs the running hit ratio and reports hits and
// misses to a metrics recorder.
type Logging struct {
	delegate Cache
	logger   zerolog.Logger
	recorder metrics.Recorder

	requests atomic.Int64
	hits     atomic.Int64
}

var (
	_ Cache   = (*Logging)(nil)
	_ Applier = (*Logging)(nil)
)

// NewLogging wraps delegate. A nil recorder falls back to metrics.Default().
func NewLogging(delegate Cache, logger zerolog.Logger, recorder metrics.Recorder) *Logging {
	return &Logging{
		delegate: delegate,
		logger:   logger.With().Str("cache", delegate.ID()).Logger(),
		recorder: metrics.OrDefault(recorder),
	}
}

func (l *Logging) ID() string    { return l.delegate.ID() }
func (l *Logging) Unwrap() Cache { return l.delegate }

// Stats returns a snapshot of the counters.
func (l *Logging) Stats() Stats {
	return Stats{Requests: l.requests.Load(), Hits: l.hits.Load()}
}

func (l *Logging) Get(ctx context.Context, key *Key) (any, bool, error) {
	l.requests.Add(1)
	v, ok, err := l.delegate.Get(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Msg("cache lookup failed")
		return nil, false, err
	}
	if ok {
		l.hits.Add(1)
		l.recorder.IncCacheHit(l.delegate.ID())
	} else {
		l.recorder.IncCacheMiss(l.delegate.ID())
	}
	l.logger.Debug().Float64("hit_ratio", l.Stats().HitRatio()).Msg("Cache Hit Ratio")
	return v, ok, nil
}

func (l *Logging) Put(ctx context.Context, key *Key, value any) error {
	return l.delegate.Put(ctx, key, value)
}

func (l *Logging) Remove(ctx context.Context, key *Key) error {
	return l.delegate.Remove(ctx, key)
}

func (l *Logging) Clear(ctx context.Context) error {
	return l.delegate.Clear(ctx)
}

func (l *Logging) Size(ctx context.Context) (int, error) {
	return l.delegate.Size(ctx)
}

func (l *Logging) Apply(ctx context.Context, clear bool, entries []Entry) error {
	return Apply(ctx, l.delegate, clear, entries)
}
