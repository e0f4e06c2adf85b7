package sqlexec

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"sqlexec/cache"
	"sqlexec/metrics"
)

// ExecutorType selects the statement-handle strategy.
type ExecutorType string

const (
	ExecutorSimple ExecutorType = "simple"
	ExecutorReuse  ExecutorType = "reuse"
	ExecutorBatch  ExecutorType = "batch"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
// SQLEXEC_CACHE_ENABLED maps to cache.enabled.
const EnvPrefix = "SQLEXEC_"

// Config holds what is needed to build executors and namespace caches.
type Config struct {
	Executor    ExecutorConfig `koanf:"executor"`
	Cache       CacheConfig    `koanf:"cache"`
	Environment string         `koanf:"environment"`
	Log         LogConfig      `koanf:"log"`

	// Set in code, not loaded.
	Logger  zerolog.Logger   `koanf:"-"`
	Metrics metrics.Recorder `koanf:"-"`
	Hooks   *Hooks           `koanf:"-"`
}

type ExecutorConfig struct {
	Type     ExecutorType `koanf:"type"`
	MaxDepth int          `koanf:"maxdepth"`
}

// CacheConfig configures both cache tiers. Enabled turns on the namespace
// cache; LocalScope applies to the local cache of every executor.
type CacheConfig struct {
	Enabled         bool            `koanf:"enabled"`
	LocalScope      LocalCacheScope `koanf:"localscope"`
	Size            int             `koanf:"size"`
	FlushInterval   time.Duration   `koanf:"flushinterval"`
	Blocking        bool            `koanf:"blocking"`
	BlockingTimeout time.Duration   `koanf:"blockingtimeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

var defaults = map[string]any{
	"executor.type":     string(ExecutorSimple),
	"executor.maxdepth": DefaultMaxQueryDepth,

	"cache.enabled":         true,
	"cache.localscope":      string(ScopeSession),
	"cache.size":            cache.DefaultSize,
	"cache.flushinterval":   "0s",
	"cache.blocking":        false,
	"cache.blockingtimeout": "0s",

	"environment": "",

	"log.level":  "info",
	"log.pretty": false,
}

// DefaultConfig returns the configuration LoadConfig starts from.
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{Type: ExecutorSimple, MaxDepth: DefaultMaxQueryDepth},
		Cache: CacheConfig{
			Enabled:    true,
			LocalScope: ScopeSession,
			Size:       cache.DefaultSize,
		},
		Log:    LogConfig{Level: "info"},
		Logger: zerolog.Nop(),
	}
}

// LoadConfig loads configuration from multiple sources with priority:
// 1. Environment variables prefixed with EnvPrefix (highest priority)
// 2. The YAML file at path, when path is not empty
// 3. Default values (lowest priority)
// The logger is built from the log section and writes to stdout.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	if err := k.Load(envprovider.Provider(EnvPrefix, ".", func(s string) string {
		// SQLEXEC_CACHE_BLOCKINGTIMEOUT -> cache.blockingtimeout
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Logger = NewLogger(cfg.Log, os.Stdout)
	return &cfg, nil
}

// Validate checks enumerated values and limits.
func (c *Config) Validate() error {
	switch c.Executor.Type {
	case ExecutorSimple, ExecutorReuse, ExecutorBatch:
	default:
		return fmt.Errorf("executor.type: unknown executor type %q", c.Executor.Type)
	}
	switch c.Cache.LocalScope {
	case ScopeSession, ScopeStatement:
	default:
		return fmt.Errorf("cache.localscope: unknown scope %q", c.Cache.LocalScope)
	}
	if c.Executor.MaxDepth < 0 {
		return fmt.Errorf("executor.maxdepth: must not be negative, got %d", c.Executor.MaxDepth)
	}
	if c.Cache.FlushInterval < 0 || c.Cache.BlockingTimeout < 0 {
		return fmt.Errorf("cache: durations must not be negative")
	}
	return nil
}

// NewLogger builds a zerolog logger for cfg. An unknown level means info.
func NewLogger(cfg LogConfig, out io.Writer) zerolog.Logger {
	var l zerolog.Logger
	if cfg.Pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(out).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return l.Level(level)
}

func (c *Config) options() []Option {
	return []Option{
		WithLogger(c.Logger),
		WithMetrics(c.Metrics),
		WithHooks(c.Hooks),
		WithEnvironment(c.Environment),
		WithLocalCacheScope(c.Cache.LocalScope),
		WithMaxQueryDepth(c.Executor.MaxDepth),
	}
}

// NewExecutor builds an executor of type typ over tx; an empty typ uses
// Executor.Type. With Cache.Enabled the result is wrapped in a
// CachingExecutor.
func (c *Config) NewExecutor(tx Transaction, typ ExecutorType) (Executor, error) {
	if typ == "" {
		typ = c.Executor.Type
	}
	var (
		base *BaseExecutor
		err  error
	)
	switch typ {
	case ExecutorSimple:
		base, err = NewSimpleExecutor(tx, c.options()...)
	case ExecutorReuse:
		base, err = NewReuseExecutor(tx, c.options()...)
	case ExecutorBatch:
		base, err = NewBatchExecutor(tx, c.options()...)
	default:
		return nil, fmt.Errorf("unknown executor type %q", typ)
	}
	if err != nil {
		return nil, err
	}
	if c.Cache.Enabled {
		return NewCachingExecutor(base, c.Logger), nil
	}
	return base, nil
}

// NewCache builds the namespace cache for ns from the cache section. A nil
// store means in-memory.
func (c *Config) NewCache(ns string, store cache.Cache) cache.Cache {
	b := cache.NewBuilder(ns).
		Size(c.Cache.Size).
		FlushInterval(c.Cache.FlushInterval).
		Logger(c.Logger).
		Metrics(c.Metrics)
	if store != nil {
		b.Store(store)
	}
	if c.Cache.Blocking {
		b.Blocking(c.Cache.BlockingTimeout)
	}
	return b.Build()
}
