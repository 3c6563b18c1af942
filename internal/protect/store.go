package protect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/phi-sentinel/internal/cache"
)

// ErrUnknownSession is returned by Load for an id with no stored mapping.
var ErrUnknownSession = errors.New("unknown or expired session")

// MappingStore keeps session mappings in a cache.Store between calls, so
// text protected in one request can be restored in a later one.
type MappingStore struct {
	store cache.Store
	ttl   time.Duration
}

// NewMappingStore wraps store. A zero ttl uses the store default.
func NewMappingStore(store cache.Store, ttl time.Duration) *MappingStore {
	return &MappingStore{store: store, ttl: ttl}
}

// Load returns the mapping saved under id.
func (s *MappingStore) Load(ctx context.Context, id string) (Mapping, error) {
	data, err := s.store.Get(ctx, id)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session mapping: %w", err)
	}

	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode session mapping: %w", err)
	}
	if m == nil {
		m = make(Mapping)
	}
	return m, nil
}

// Append adds m to the mapping saved under id and refreshes its expiry.
// An entry that conflicts with the stored mapping fails the whole append
// with ErrMappingConflict and nothing is saved. Concurrent appends to the
// same id may lose entries; callers serialize per session.
func (s *MappingStore) Append(ctx context.Context, id string, m Mapping) (Mapping, error) {
	stored, err := s.Load(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		stored = nil
	} else if err != nil {
		return nil, err
	}
	ix := newMappingIndex(stored)
	if err := ix.merge(m); err != nil {
		return nil, err
	}
	merged := ix.m

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session mapping: %w", err)
	}
	if err := s.store.Set(ctx, id, data, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to save session mapping: %w", err)
	}
	return merged, nil
}

// Delete forgets the mapping saved under id.
func (s *MappingStore) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}
