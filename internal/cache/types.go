// Package cache stores session mappings and policy snapshots in memory, on
// disk or in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("cache: key not found")

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Store is a byte-valued key/value store with optional expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; a zero ttl uses the store default, a negative one
	// never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Stats represents cache performance statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	TotalKeys int64   `json:"total_keys"`
}

func (s *Stats) computeHitRate() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
}

// Config contains store configuration
type Config struct {
	Backend    string
	RedisURL   string
	Path       string
	KeyPrefix  string
	DefaultTTL time.Duration
	PoolSize   int
}

// FromSessionConfig builds the store configuration for session mappings.
func FromSessionConfig(c config.SessionConfig) Config {
	return Config{
		Backend:    c.Backend,
		RedisURL:   c.RedisURL,
		KeyPrefix:  c.KeyPrefix,
		DefaultTTL: c.TTL,
		PoolSize:   c.PoolSize,
	}
}

// FromSnapshotConfig builds the store configuration for policy snapshots.
// Snapshots never expire.
func FromSnapshotConfig(c config.SnapshotConfig) Config {
	return Config{
		Backend:    c.Backend,
		RedisURL:   c.RedisURL,
		Path:       c.Path,
		DefaultTTL: -1,
	}
}

// New opens the configured backend.
func New(cfg Config, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.NewNop()
	}

	switch cfg.Backend {
	case "", BackendMemory:
		m := NewMemory(cfg.DefaultTTL)
		m.StartJanitor(JanitorInterval)
		return m, nil
	case BackendFile:
		return NewFile(cfg.Path, cfg.DefaultTTL)
	case BackendRedis:
		return NewRedis(cfg, log)
	default:
		return nil, core.ConfigurationErr(fmt.Sprintf("unknown cache backend %q", cfg.Backend), nil)
	}
}

func expiry(now time.Time, ttl, fallback time.Duration) time.Time {
	if ttl == 0 {
		ttl = fallback
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
