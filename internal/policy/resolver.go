package policy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// State is the resolver lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
)

// Source says where the current policy came from.
type Source string

const (
	SourceNone     Source = ""
	SourceRemote   Source = "remote"
	SourceSnapshot Source = "snapshot"
	SourceFallback Source = "fallback"
	SourceDefault  Source = "default"
)

// Sync results reported to hooks.
const (
	SyncUpdated  = "updated"
	SyncUpToDate = "up_to_date"
	SyncFailed   = "failed"
	SyncSkipped  = "skipped"
)

// SyncStatus describes the resolver for health and status endpoints
type SyncStatus struct {
	State     State     `json:"state"`
	Source    Source    `json:"source"`
	Version   string    `json:"version"`
	PolicyID  string    `json:"policy_id"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
}

// SyncEvent is passed to sync hooks after every load or refresh attempt.
type SyncEvent struct {
	Result  string
	Source  Source
	Version string
	Err     error
}

// Resolver serves the current policy and keeps it in sync. Reads never
// block on a sync in progress, and a failed sync never clears the policy.
type Resolver struct {
	cfg       config.PolicyConfig
	fetcher   Fetcher
	fallback  *Policy
	snapshots SnapshotStore
	logger    *logger.Logger
	now       func() time.Time
	hooks     []func(SyncEvent)

	mu      sync.RWMutex
	current *Policy
	status  SyncStatus

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Resolver
type Option func(*Resolver)

// WithFallback sets the policy used when remote and snapshot are unavailable.
func WithFallback(p *Policy) Option {
	return func(r *Resolver) { r.fallback = p }
}

// WithSnapshotStore persists successful syncs.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(r *Resolver) { r.snapshots = s }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithSyncHook registers a callback for sync results.
func WithSyncHook(fn func(SyncEvent)) Option {
	return func(r *Resolver) { r.hooks = append(r.hooks, fn) }
}

// NewResolver creates a resolver. It performs no I/O; call Load or Start.
// fetcher may be nil, which behaves like offline mode.
func NewResolver(cfg config.PolicyConfig, fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.NewNop(),
		now:     time.Now,
		status:  SyncStatus{State: StateUninitialized},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("policy")
	return r
}

func (r *Resolver) remoteEnabled() bool {
	return r.fetcher != nil && !r.cfg.OfflineMode
}

// Load installs the first policy, trying the remote service, the snapshot
// store, the fallback policy and finally DefaultPolicy. The resolver is
// always READY afterwards; the returned error reports why the remote
// policy was not used, if it was attempted.
func (r *Resolver) Load(ctx context.Context) error {
	var remoteErr error
	if r.remoteEnabled() {
		p, err := r.fetch(ctx, "")
		switch {
		case err != nil:
			remoteErr = err
			r.logger.Warn("Initial policy fetch failed", zap.Error(err))
		case p != nil:
			r.install(p, SourceRemote)
			r.saveSnapshot(ctx, p)
			r.emit(SyncEvent{Result: SyncUpdated, Source: SourceRemote, Version: p.Version})
			return nil
		}
	}

	if r.snapshots != nil {
		p, err := r.snapshots.LoadSnapshot(ctx)
		if err != nil {
			r.logger.Warn("Policy snapshot unavailable", zap.Error(err))
		} else if p != nil {
			r.install(p, SourceSnapshot)
			r.recordFailure(remoteErr)
			return remoteErr
		}
	}

	if r.fallback == nil && r.cfg.FallbackFile != "" {
		p, err := LoadFile(r.cfg.FallbackFile)
		if err != nil {
			r.logger.Warn("Fallback policy file unusable", zap.String("path", r.cfg.FallbackFile), zap.Error(err))
		} else {
			r.fallback = p
		}
	}

	if r.fallback != nil {
		r.install(r.fallback, SourceFallback)
	} else {
		r.install(DefaultPolicy(), SourceDefault)
	}
	r.recordFailure(remoteErr)
	return remoteErr
}

// Refresh runs one synchronous sync against the policy service.
func (r *Resolver) Refresh(ctx context.Context) error {
	if !r.remoteEnabled() {
		r.emit(SyncEvent{Result: SyncSkipped})
		return nil
	}

	r.mu.RLock()
	version := ""
	if r.current != nil {
		version = r.current.Version
	}
	r.mu.RUnlock()

	p, err := r.fetch(ctx, version)
	if err != nil {
		r.logger.Warn("Policy sync failed, keeping current policy",
			zap.String("version", version),
			zap.Error(err))
		r.recordFailure(err)
		r.emit(SyncEvent{Result: SyncFailed, Version: version, Err: err})
		return core.PolicyErr("policy sync failed", err)
	}

	if p == nil {
		r.mu.Lock()
		r.status.LastSync = r.now()
		r.status.LastError = ""
		r.mu.Unlock()
		r.logger.Debug("Policy is up to date", zap.String("version", version))
		r.emit(SyncEvent{Result: SyncUpToDate, Source: SourceRemote, Version: version})
		return nil
	}

	r.install(p, SourceRemote)
	r.saveSnapshot(ctx, p)
	r.logger.Info("Policy updated",
		zap.String("policy_id", p.ID),
		zap.String("previous_version", version),
		zap.String("version", p.Version),
		zap.Int("rules", len(p.Rules)))
	r.emit(SyncEvent{Result: SyncUpdated, Source: SourceRemote, Version: p.Version})
	return nil
}

func (r *Resolver) fetch(ctx context.Context, version string) (*Policy, error) {
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.fetcher.Fetch(ctx, version)
}

func (r *Resolver) install(p *Policy, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current = p
	r.status.State = StateReady
	r.status.Source = source
	r.status.Version = p.Version
	r.status.PolicyID = p.ID
	if source == SourceRemote {
		r.status.LastSync = r.now()
		r.status.LastError = ""
	}
}

func (r *Resolver) recordFailure(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.status.Failures++
	r.mu.Unlock()
}

func (r *Resolver) saveSnapshot(ctx context.Context, p *Policy) {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.SaveSnapshot(ctx, p); err != nil {
		r.logger.Warn("Failed to save policy snapshot", zap.Error(err))
	}
}

func (r *Resolver) emit(ev SyncEvent) {
	for _, h := range r.hooks {
		h(ev)
	}
}

// Start loads a policy if none is installed and then refreshes every
// sync_interval until Stop is called or ctx is done. Calling Start on a
// running resolver does nothing.
func (r *Resolver) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel != nil {
		return nil
	}

	if r.Status().State != StateReady {
		if err := r.Load(ctx); err != nil {
			r.logger.Warn("Serving local policy", zap.Error(err))
		}
	}

	if !r.remoteEnabled() || r.cfg.SyncInterval <= 0 {
		r.logger.Info("Background policy sync disabled",
			zap.Bool("offline_mode", r.cfg.OfflineMode),
			zap.Duration("sync_interval", r.cfg.SyncInterval))
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go r.loop(loopCtx, done)

	r.logger.Info("Background policy sync started", zap.Duration("interval", r.cfg.SyncInterval))
	return nil
}

func (r *Resolver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Stop ends background sync and waits for the sync goroutine to exit.
func (r *Resolver) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
	r.logger.Info("Background policy sync stopped")
}

// Policy returns the current policy. The result is shared and must not be
// modified.
func (r *Resolver) Policy() (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, core.PolicyErr("policy resolver is not initialized", nil)
	}
	return r.current, nil
}

// GetRule looks the rule up in the current policy.
func (r *Resolver) GetRule(kind privacy.EntityKind, context string) *MaskingRule {
	r.mu.RLock()
	p := r.current
	r.mu.RUnlock()
	return p.GetRule(kind, context)
}

// Resolve decides the treatment of kind under the current policy.
func (r *Resolver) Resolve(kind privacy.EntityKind, context, role string) Decision {
	r.mu.RLock()
	p := r.current
	r.mu.RUnlock()
	return p.Resolve(kind, context, role)
}

// Status returns a copy of the sync status.
func (r *Resolver) Status() SyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}
