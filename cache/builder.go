package cache

import (
	"time"

	"github.com/rs/zerolog"

	"sqlexec/metrics"
)

// DefaultSize is the LRU capacity used when Builder.Size is not called.
const DefaultSize = 1024

// Builder assembles a namespace cache: backing store, then LRU eviction,
// then the optional flush schedule, logging and blocking layers.
type Builder struct {
	id       string
	store    Cache
	size     int
	interval time.Duration
	blocking bool
	timeout  time.Duration
	logger   zerolog.Logger
	recorder metrics.Recorder
}

// NewBuilder starts a cache for namespace id backed by an in-memory store.
func NewBuilder(id string) *Builder {
	return &Builder{id: id, size: DefaultSize, logger: zerolog.Nop()}
}

// Store replaces the in-memory backing store. The store's ID should match
// the namespace.
func (b *Builder) Store(c Cache) *Builder {
	b.store = c
	return b
}

// Size sets the LRU capacity. Zero or less disables eviction.
func (b *Builder) Size(n int) *Builder {
	b.size = n
	return b
}

// FlushInterval clears the whole namespace every d. Zero disables it.
func (b *Builder) FlushInterval(d time.Duration) *Builder {
	b.interval = d
	return b
}

// Blocking makes concurrent misses for one key share a single computation.
// timeout bounds the wait for the store lock.
func (b *Builder) Blocking(timeout time.Duration) *Builder {
	b.blocking = true
	b.timeout = timeout
	return b
}

func (b *Builder) Logger(l zerolog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) Metrics(r metrics.Recorder) *Builder {
	b.recorder = r
	return b
}

func (b *Builder) Build() Cache {
	var c Cache = b.store
	if c == nil {
		c = NewMemory(b.id)
	}
	if b.size > 0 {
		c = NewLRU(c, b.size)
	}
	if b.interval > 0 {
		c = NewScheduled(c, b.interval)
	}
	c = NewLogging(c, b.logger, b.recorder)
	if b.blocking {
		c = NewBlocking(c, b.timeout)
	}
	return c
}
