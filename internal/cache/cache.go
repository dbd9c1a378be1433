// Package cache provides the read-path caches with pluggable
// invalidation strategies.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Strategy names accepted in configuration.
const (
	StrategyMemory      = "memory"       // LRU with TTL expiry
	StrategyFileWatcher = "file_watcher" // cleared on filesystem change
	StrategyManual      = "manual"       // cleared only by explicit call
	StrategyNever       = "never"        // caching disabled
)

// Cache stores computed read results keyed by string. Implementations
// are safe for concurrent use.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Invalidate(key string)
	Clear()
	Close() error
}

// Options tunes the memory-backed strategies.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	// WatchDir is required for the file_watcher strategy.
	WatchDir string
	// Debounce collapses bursts of filesystem events; defaults to 100ms.
	Debounce time.Duration
}

const (
	defaultMaxEntries = 1024
	defaultTTL        = 5 * time.Minute
	// DefaultDebounce is how long the watcher waits after the last event
	// before clearing, so a multi-file save invalidates once.
	DefaultDebounce = 100 * time.Millisecond
)

// New builds a cache for the named strategy.
func New(strategy string, opts Options) (Cache, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	switch strategy {
	case StrategyNever:
		return disabled{}, nil
	case StrategyManual:
		return newMemory(opts.MaxEntries, 0), nil
	case StrategyMemory:
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		return newMemory(opts.MaxEntries, ttl), nil
	case StrategyFileWatcher:
		return newWatcher(opts)
	default:
		return nil, ferrors.Config("unknown cache strategy").
			WithContext("strategy", strategy).Build()
	}
}

// memory is an expirable LRU. A zero TTL disables expiry, which is the
// manual strategy.
type memory struct {
	lru *expirable.LRU[string, []byte]
}

func newMemory(maxEntries int, ttl time.Duration) *memory {
	return &memory{lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl)}
}

func (m *memory) Get(key string) ([]byte, bool) { return m.lru.Get(key) }
func (m *memory) Set(key string, value []byte)  { m.lru.Add(key, value) }
func (m *memory) Invalidate(key string)         { m.lru.Remove(key) }
func (m *memory) Clear()                        { m.lru.Purge() }
func (m *memory) Close() error                  { return nil }

// disabled is the never strategy: every read misses.
type disabled struct{}

func (disabled) Get(string) ([]byte, bool) { return nil, false }
func (disabled) Set(string, []byte)        {}
func (disabled) Invalidate(string)         {}
func (disabled) Clear()                    {}
func (disabled) Close() error              { return nil }
