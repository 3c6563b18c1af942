package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raaihank/phi-sentinel/internal/config"
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	enabled bool
	limit   rate.Limit
	burst   int
	now     func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing RequestsPerMin per client with
// bursts of Burst. A non-positive rate disables limiting.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		enabled: cfg.Enabled && cfg.RequestsPerMin > 0,
		limit:   rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a request from clientIP may proceed.
func (r *RateLimiter) Allow(clientIP string) bool {
	if !r.enabled {
		return true
	}
	b := r.getBucket(clientIP)
	now := r.now()

	b.mu.Lock()
	b.lastSeen = now
	b.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

func (r *RateLimiter) getBucket(clientIP string) *bucket {
	r.mu.RLock()
	b, ok := r.buckets[clientIP]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[clientIP]; ok {
		return b
	}
	b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst), lastSeen: r.now()}
	r.buckets[clientIP] = b
	return b
}

// Cleanup drops buckets idle for longer than maxIdle.
func (r *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for ip, b := range r.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(r.buckets, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (r *RateLimiter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

func (r *RateLimiter) cleanupLoop(stop <-chan struct{}, every time.Duration) {
	if !r.enabled {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Cleanup(time.Hour)
		}
	}
}
