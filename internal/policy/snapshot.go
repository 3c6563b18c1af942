package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raaihank/phi-sentinel/internal/cache"
)

// SnapshotStore persists the last policy obtained from the service so a
// restart without network access still serves it.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (*Policy, error)
	SaveSnapshot(ctx context.Context, p *Policy) error
}

// CacheSnapshots keeps snapshots in a cache.Store under one key.
type CacheSnapshots struct {
	store cache.Store
	key   string
}

// NewCacheSnapshots creates a snapshot store on top of store.
func NewCacheSnapshots(store cache.Store, key string) *CacheSnapshots {
	if key == "" {
		key = "policy:snapshot"
	}
	return &CacheSnapshots{store: store, key: key}
}

// LoadSnapshot returns (nil, nil) when no snapshot was saved yet.
func (s *CacheSnapshots) LoadSnapshot(ctx context.Context) (*Policy, error) {
	data, err := s.store.Get(ctx, s.key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy snapshot: %w", err)
	}
	return Parse(data)
}

func (s *CacheSnapshots) SaveSnapshot(ctx context.Context, p *Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy snapshot: %w", err)
	}
	return s.store.Set(ctx, s.key, data, -1)
}
