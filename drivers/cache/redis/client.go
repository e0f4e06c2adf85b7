// Package redis provides a second-level cache store backed by Redis, so that
// several processes can share committed query results and per-key locks.
package redis

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sqlexec"
	"sqlexec/cache"
	"sqlexec/common"
)

func init() {
	gob.Register([]sqlexec.Row{})
	gob.Register(sqlexec.Row{})
	gob.Register(time.Time{})
}

const (
	DefaultPrefix         = "sqlexec"
	DefaultLockTTL        = 30 * time.Second
	DefaultLockRetryDelay = 50 * time.Millisecond
)

// Options holds configuration for the Redis store.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every key. Defaults to DefaultPrefix.
	Prefix string
	// LockTTL bounds how long a crashed holder can keep a key locked.
	LockTTL time.Duration
	// LockRetryDelay is the pause between SETNX attempts.
	LockRetryDelay time.Duration
	// LockMaxRetries limits SETNX attempts; zero retries until ctx is done.
	LockMaxRetries int

	Logger zerolog.Logger
}

// releaseScript deletes a lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements cache.Cache, cache.Locker and cache.Applier for one
// namespace. Entries live under prefix:namespace:sha256(key); a set at
// prefix:namespace:@index lists them for Clear and Size.
type Store struct {
	rdb               *redis.Client
	namespace         string
	opts              Options
	logger            zerolog.Logger
	createdInternally bool

	mu       sync.Mutex
	counters map[string]int
	tokens   map[string]string
}

var (
	_ cache.Cache   = (*Store)(nil)
	_ cache.Locker  = (*Store)(nil)
	_ cache.Applier = (*Store)(nil)
	_ io.Closer     = (*Store)(nil)
)

// NewStore creates a store for namespace. If rdb is nil a client is created
// from opts and closed by Close; otherwise the caller keeps ownership.
func NewStore(rdb *redis.Client, namespace string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = DefaultLockRetryDelay
	}

	s := &Store{
		rdb:       rdb,
		namespace: namespace,
		opts:      o,
		logger:    o.Logger.With().Str("cache", namespace).Logger(),
		counters:  make(map[string]int),
		tokens:    make(map[string]string),
	}
	if s.rdb == nil {
		s.rdb = redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
		s.createdInternally = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		if s.createdInternally {
			_ = s.rdb.Close()
		}
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", s.rdb.Options().Addr, err)
	}
	s.logger.Debug().Str("addr", s.rdb.Options().Addr).Msg("redis cache store connected")
	return s, nil
}

// Close closes the underlying client only if NewStore created it.
func (s *Store) Close() error {
	if s.createdInternally && s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func (s *Store) incrementCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
}

// Stats returns a copy of the operation counters, e.g. "Get", "GetMiss", "Put".
func (s *Store) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

func (s *Store) ID() string { return s.namespace }

func (s *Store) entryKey(key *cache.Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return s.opts.Prefix + ":" + s.namespace + ":" + hex.EncodeToString(sum[:])
}

func (s *Store) indexKey() string {
	return s.opts.Prefix + ":" + s.namespace + ":@index"
}

func (s *Store) lockKey(key *cache.Key) string {
	return s.entryKey(key) + ":lock"
}

// envelope lets gob carry an interface value.
type envelope struct {
	Value any
}

func encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Value: value}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (any, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (s *Store) Get(ctx context.Context, key *cache.Key) (any, bool, error) {
	s.incrementCounter("Get")
	data, err := s.rdb.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.incrementCounter("GetMiss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %s: %w", s.namespace, err)
	}
	v, err := decode(data)
	if err != nil {
		s.incrementCounter("GetError")
		return nil, false, fmt.Errorf("decode cached value in %s: %w", s.namespace, err)
	}
	return v, true, nil
}

func (s *Store) Put(ctx context.Context, key *cache.Key, value any) error {
	return s.Apply(ctx, false, []cache.Entry{{Key: key, Value: value}})
}

func (s *Store) Remove(ctx context.Context, key *cache.Key) error {
	s.incrementCounter("Remove")
	ek := s.entryKey(key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ek)
		pipe.SRem(ctx, s.indexKey(), ek)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis DEL %s: %w", s.namespace, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.Apply(ctx, true, nil)
}

func (s *Store) Size(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis SCARD %s: %w", s.namespace, err)
	}
	return int(n), nil
}

// Apply runs the optional clear and all puts in one MULTI/EXEC block.
func (s *Store) Apply(ctx context.Context, clear bool, entries []cache.Entry) error {
	encoded := make(map[string][]byte, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		data, err := encode(e.Value)
		if err != nil {
			return fmt.Errorf("encode cached value in %s: %w", s.namespace, err)
		}
		ek := s.entryKey(e.Key)
		if _, dup := encoded[ek]; !dup {
			order = append(order, ek)
		}
		encoded[ek] = data
	}

	var stale []string
	if clear {
		s.incrementCounter("Clear")
		var err error
		stale, err = s.rdb.SMembers(ctx, s.indexKey()).Result()
		if err != nil {
			return fmt.Errorf("redis SMEMBERS %s: %w", s.namespace, err)
		}
	}
	if !clear && len(order) == 0 {
		return nil
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if clear {
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			pipe.Del(ctx, s.indexKey())
		}
		for _, ek := range order {
			s.incrementCounter("Put")
			pipe.Set(ctx, ek, encoded[ek], 0)
			pipe.SAdd(ctx, s.indexKey(), ek)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis apply %s: %w", s.namespace, err)
	}
	return nil
}

// Lock takes the per-key lock with SETNX, retrying until it is acquired,
// ctx is done or LockMaxRetries is exhausted.
func (s *Store) Lock(ctx context.Context, key *cache.Key) error {
	s.incrementCounter("Lock")
	lk := s.lockKey(key)
	token, err := newToken()
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		ok, err := s.rdb.SetNX(ctx, lk, token, s.opts.LockTTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("redis SETNX %s: %w", lk, err)
		}
		if ok {
			s.mu.Lock()
			s.tokens[lk] = token
			s.mu.Unlock()
			return nil
		}
		if s.opts.LockMaxRetries > 0 && attempt >= s.opts.LockMaxRetries {
			return fmt.Errorf("lock %s after %d attempts: %w", lk, attempt, common.ErrLockNotAcquired)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.LockRetryDelay):
		}
	}
}

// Unlock releases a lock taken by this store. A lock that expired or was
// taken over by another holder is left alone.
func (s *Store) Unlock(ctx context.Context, key *cache.Key) error {
	s.incrementCounter("Unlock")
	lk := s.lockKey(key)
	s.mu.Lock()
	token, ok := s.tokens[lk]
	delete(s.tokens, lk)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, s.rdb, []string{lk}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("lock", lk).Msg("failed to release lock")
		return fmt.Errorf("redis release %s: %w", lk, err)
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
