package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// JanitorInterval is how often a started janitor sweeps expired entries.
const JanitorInterval = time.Minute

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

type expiryItem struct {
	key string
	at  time.Time
}

// expiryHeap orders pending expiries, earliest first. Items for keys that
// were since deleted or rewritten are skipped when popped.
type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// Memory is an in-process Store. Every write first evicts whatever has
// expired, so held entries never outlive their TTL by more than the gap
// between writes. A janitor covers idle periods.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	expiries   expiryHeap
	defaultTTL time.Duration
	now        func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(defaultTTL time.Duration) *Memory {
	return &Memory{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, ErrNotFound
	}
	if e.expired(m.now()) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, ErrNotFound
	}

	m.hits.Add(1)
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	now := m.now()
	expires := expiry(now, ttl, m.defaultTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(now)
	m.entries[key] = memoryEntry{value: stored, expires: expires}
	if !expires.IsZero() {
		heap.Push(&m.expiries, expiryItem{key: key, at: expires})
	}
	// Rewrites and deletes leave stale items behind; rebuild when they
	// dominate.
	if len(m.expiries) > 2*len(m.entries)+64 {
		m.rebuildLocked()
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(now)
}

func (m *Memory) evictLocked(now time.Time) int {
	removed := 0
	for len(m.expiries) > 0 && !now.Before(m.expiries[0].at) {
		it := heap.Pop(&m.expiries).(expiryItem)
		if e, ok := m.entries[it.key]; ok && e.expired(now) {
			delete(m.entries, it.key)
			removed++
		}
	}
	return removed
}

func (m *Memory) rebuildLocked() {
	h := make(expiryHeap, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.expires.IsZero() {
			h = append(h, expiryItem{key: k, at: e.expires})
		}
	}
	heap.Init(&h)
	m.expiries = h
}

// StartJanitor sweeps expired entries every interval until Close. Calling
// it again has no effect.
func (m *Memory) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Stats returns hit/miss counters and the current key count.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	n := len(m.entries)
	m.mu.RUnlock()

	s := Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), TotalKeys: int64(n)}
	s.computeHitRate()
	return s
}

// Close stops the janitor, if any.
func (m *Memory) Close() error {
	m.mu.RLock()
	stop, done := m.stop, m.done
	m.mu.RUnlock()
	if stop == nil {
		return nil
	}
	m.stopOnce.Do(func() { close(stop) })
	<-done
	return nil
}
