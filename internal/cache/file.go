package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raaihank/phi-sentinel/internal/core"
)

type fileEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File keeps one JSON document per key under a directory. Writes go
// through a temp file and rename so readers never see partial data.
type File struct {
	dir        string
	defaultTTL time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// NewFile creates the directory if needed.
func NewFile(dir string, defaultTTL time.Duration) (*File, error) {
	if dir == "" {
		return nil, core.ConfigurationErr("file cache requires a path", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.ConfigurationErr("failed to create cache directory", err)
	}
	return &File{dir: dir, defaultTTL: defaultTTL, now: time.Now}, nil
}

func (f *File) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".json")
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && !f.now().Before(entry.ExpiresAt) {
		_ = os.Remove(f.path(key))
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

func (f *File) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := f.now()
	data, err := json.MarshalIndent(fileEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry(now, ttl, f.defaultTTL),
		UpdatedAt: now.UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

func (f *File) Close() error { return nil }
