// Package app builds the protection runtime shared by the server and the
// command line tools.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/cache"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/fpe"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/metrics"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

// Runtime holds every initialized service
type Runtime struct {
	Config *config.Config
	// Logger redacts messages through the protector when logging.redact
	// is set.
	Logger    *logger.Logger
	Detector  *privacy.Detector
	Cipher    *fpe.Cipher
	Policies  *policy.Resolver
	Protector *protect.Protector
	Sessions  *protect.MappingStore
	Metrics   *metrics.Recorder

	closers []func() error
}

// Options adjust Build.
type Options struct {
	// SyncHooks receive every policy load and sync result.
	SyncHooks []func(policy.SyncEvent)
	// RequireCipher fails Build when no encryption key is configured.
	RequireCipher bool
	// SkipAudit leaves the audit store closed even when it is enabled.
	SkipAudit bool
}

// Build initializes services from cfg. The policy resolver is created but
// not loaded; call Policies.Load or Policies.Start.
func Build(cfg *config.Config, log *logger.Logger, opts Options) (*Runtime, error) {
	if log == nil {
		log = logger.NewNop()
	}
	rt := &Runtime{Config: cfg, Logger: log}

	detector, err := privacy.New(cfg.Detection, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	rt.Detector = detector

	if cfg.Encryption.Key != "" {
		c, err := fpe.New(cfg.Encryption.Key,
			fpe.WithTweak(cfg.Encryption.Tweak),
			fpe.WithCacheSize(cfg.Encryption.CacheSize))
		if err != nil {
			return nil, err
		}
		rt.Cipher = c
	} else if opts.RequireCipher {
		return nil, core.ConfigurationErr("encryption.key is required for reversible protection", nil)
	} else {
		log.Warn("No encryption key configured, reversible strategies will redact")
	}

	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.New()
		opts.SyncHooks = append(opts.SyncHooks, rt.Metrics.ObserveSync)
	}

	if err := rt.buildPolicies(opts.SyncHooks); err != nil {
		rt.Close()
		return nil, err
	}

	var recorder protect.Recorder = audit.NopRecorder{}
	if cfg.Audit.Enabled && !opts.SkipAudit {
		pg, err := audit.NewPostgresRecorder(audit.FromConfig(cfg.Audit), log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		recorder = pg
		rt.closers = append(rt.closers, pg.Close)
	}

	patterns, err := masking.MergePatterns(masking.DefaultPatterns(), cfg.Masking.Patterns)
	if err != nil {
		rt.Close()
		return nil, err
	}

	prefix := cfg.Masking.TokenPrefix
	if prefix == "" {
		prefix = "TOK_"
	}
	protOpts := []protect.Option{
		protect.WithPatterns(patterns),
		protect.WithRoles(cfg.Roles),
		protect.WithVerbs(cfg.Protection.Verbs),
		protect.WithDefaultContext(cfg.Protection.DefaultContext),
		protect.WithDefaultShowLast(cfg.Masking.DefaultShowLast),
		protect.WithMaskerFactory(func() *masking.Masker { return masking.NewMasker(prefix) }),
		// The protector logs through the plain logger; a redacting one
		// would call back into it.
		protect.WithLogger(log),
		protect.WithRecorder(recorder),
	}
	if rt.Metrics != nil {
		protOpts = append(protOpts, protect.WithMetrics(rt.Metrics))
	}

	var cipher protect.Cipher
	if rt.Cipher != nil {
		cipher = rt.Cipher
	}
	p, err := protect.New(detector, rt.Policies, cipher, protOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Protector = p

	store, err := cache.New(cache.FromSessionConfig(cfg.Sessions), log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, store.Close)
	rt.Sessions = protect.NewMappingStore(store, cfg.Sessions.TTL)

	if cfg.Logging.Redact {
		rt.Logger = log.WithRedaction(p)
	}

	log.Info("Runtime initialized",
		zap.Int("detectors", len(detector.EnabledKinds())),
		zap.Bool("reversible", rt.Cipher != nil),
		zap.Bool("audit", cfg.Audit.Enabled && !opts.SkipAudit),
		zap.Bool("metrics", rt.Metrics != nil),
		zap.String("sessions_backend", cfg.Sessions.Backend))

	return rt, nil
}

func (rt *Runtime) buildPolicies(hooks []func(policy.SyncEvent)) error {
	cfg := rt.Config.Policy

	var fetcher policy.Fetcher
	if cfg.BaseURL != "" && !cfg.OfflineMode {
		fetcher = policy.NewHTTPFetcher(cfg.BaseURL, cfg.AppID, cfg.APIKey, cfg.Timeout)
	}

	ropts := []policy.Option{policy.WithLogger(rt.Logger)}
	for _, h := range hooks {
		ropts = append(ropts, policy.WithSyncHook(h))
	}

	if cfg.Snapshot.Backend != "" && cfg.Snapshot.Backend != "none" {
		store, err := cache.New(cache.FromSnapshotConfig(cfg.Snapshot), rt.Logger)
		if err != nil {
			return fmt.Errorf("failed to open policy snapshot store: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		ropts = append(ropts, policy.WithSnapshotStore(policy.NewCacheSnapshots(store, cfg.Snapshot.Key)))
	}

	rt.Policies = policy.NewResolver(cfg, fetcher, ropts...)
	return nil
}

// LoadPolicy installs the first policy. A remote failure is logged, not
// returned: the resolver then serves a snapshot, fallback or default.
func (rt *Runtime) LoadPolicy(ctx context.Context) {
	if err := rt.Policies.Load(ctx); err != nil {
		rt.Logger.Warn("Remote policy unavailable, serving local policy", zap.Error(err))
	}
	st := rt.Policies.Status()
	rt.Logger.Info("Policy loaded",
		zap.String("source", string(st.Source)),
		zap.String("version", st.Version),
		zap.String("policy_id", st.PolicyID))
}

// Close stops background work and releases stores in reverse order.
func (rt *Runtime) Close() error {
	if rt.Policies != nil {
		rt.Policies.Stop()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
