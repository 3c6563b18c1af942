// Package protect replaces detected PII/PHI in text according to the
// current policy and restores it afterwards.
package protect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// ContextLogs is the policy context used for log redaction.
const ContextLogs = "logs"

// Detector finds entities in text.
type Detector interface {
	Detect(text string) (*privacy.DetectionResult, error)
}

// PolicySource decides how an entity kind is treated. Both
// *policy.Resolver and *policy.Policy implement it.
type PolicySource interface {
	Resolve(kind privacy.EntityKind, context, role string) policy.Decision
}

// Cipher is the reversible format-preserving transform.
type Cipher interface {
	Encrypt(plaintext, domain string) (string, error)
}

// Recorder receives one AuditRecord per protected text.
type Recorder interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// Metrics observes protection outcomes.
type Metrics interface {
	ObserveEntity(kind privacy.EntityKind, strategy masking.Strategy)
	ObserveFailure(kind privacy.EntityKind)
}

// AuditRecord describes one protect call without any raw values.
type AuditRecord struct {
	RequestID string
	Context   string
	Role      string
	Mode      Mode
	Entities  []EntityReport
	At        time.Time
}

// rolePolicy is the compiled form of config.RolePermissions.
type rolePolicy struct {
	unmasked  bool
	allowAll  bool
	allowed   map[privacy.EntityKind]bool
	overrides map[privacy.EntityKind]config.MaskPattern
}

func (r *rolePolicy) canView(kind privacy.EntityKind) bool {
	return r != nil && r.unmasked && (r.allowAll || r.allowed[kind])
}

// Protector holds everything shared between sessions. It is safe for
// concurrent use.
type Protector struct {
	detector       Detector
	policies       PolicySource
	cipher         Cipher
	patterns       map[privacy.EntityKind]config.MaskPattern
	roles          map[string]*rolePolicy
	verbs          *VerbStripper
	newMasker      func() *masking.Masker
	defaultContext string
	showLast       int
	recorder       Recorder
	metrics        Metrics
	logger         *logger.Logger
}

type settings struct {
	patterns       map[privacy.EntityKind]config.MaskPattern
	roles          map[string]config.RolePermissions
	verbs          []string
	newMasker      func() *masking.Masker
	defaultContext string
	showLast       int
	recorder       Recorder
	metrics        Metrics
	logger         *logger.Logger
}

// Option configures a Protector
type Option func(*settings)

// WithPatterns sets the character-masking pattern per kind used in
// Display mode.
func WithPatterns(p map[privacy.EntityKind]config.MaskPattern) Option {
	return func(s *settings) { s.patterns = p }
}

// WithRoles sets the role permission table.
func WithRoles(roles map[string]config.RolePermissions) Option {
	return func(s *settings) { s.roles = roles }
}

// WithVerbs replaces the leading-verb list.
func WithVerbs(verbs []string) Option {
	return func(s *settings) { s.verbs = verbs }
}

// WithMaskerFactory sets how each session gets its token masker.
func WithMaskerFactory(fn func() *masking.Masker) Option {
	return func(s *settings) { s.newMasker = fn }
}

// WithDefaultContext sets the context used when Options.Context is empty.
// An empty ctx keeps "llm".
func WithDefaultContext(ctx string) Option {
	return func(s *settings) {
		if ctx != "" {
			s.defaultContext = ctx
		}
	}
}

// WithDefaultShowLast sets the trailing characters kept by PARTIAL_MASK
// when no rule applies.
func WithDefaultShowLast(n int) Option {
	return func(s *settings) { s.showLast = n }
}

// WithLogger sets the logger. It must not be a logger that redacts
// through this Protector.
func WithLogger(l *logger.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// New creates a Protector. cipher may be nil, in which case every
// reversible encryption fails closed.
func New(detector Detector, policies PolicySource, cipher Cipher, opts ...Option) (*Protector, error) {
	if detector == nil {
		return nil, core.ConfigurationErr("protector needs a detector", nil)
	}
	if policies == nil {
		return nil, core.ConfigurationErr("protector needs a policy source", nil)
	}

	s := settings{
		patterns:       masking.DefaultPatterns(),
		verbs:          config.DefaultVerbs,
		defaultContext: "llm",
		showLast:       policy.DefaultShowLast,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.newMasker == nil {
		s.newMasker = func() *masking.Masker { return masking.NewMasker("TOK_") }
	}

	for kind, p := range s.patterns {
		if err := masking.Validate(p); err != nil {
			return nil, fmt.Errorf("mask pattern for %s: %w", kind, err)
		}
	}
	roles, err := compileRoles(s.roles)
	if err != nil {
		return nil, err
	}

	return &Protector{
		detector:       detector,
		policies:       policies,
		cipher:         cipher,
		patterns:       s.patterns,
		roles:          roles,
		verbs:          NewVerbStripper(s.verbs),
		newMasker:      s.newMasker,
		defaultContext: s.defaultContext,
		showLast:       s.showLast,
		recorder:       s.recorder,
		metrics:        s.metrics,
		logger:         s.logger.WithComponent("protect"),
	}, nil
}

func compileRoles(in map[string]config.RolePermissions) (map[string]*rolePolicy, error) {
	out := make(map[string]*rolePolicy, len(in))
	for name, perms := range in {
		rp := &rolePolicy{
			unmasked:  perms.CanViewUnmasked,
			allowed:   make(map[privacy.EntityKind]bool),
			overrides: make(map[privacy.EntityKind]config.MaskPattern),
		}
		for _, e := range perms.AllowedEntities {
			if e == "*" {
				rp.allowAll = true
				continue
			}
			kind, err := privacy.ParseEntityKind(e)
			if err != nil {
				return nil, core.ConfigurationErr(fmt.Sprintf("role %s", name), err)
			}
			rp.allowed[kind] = true
		}
		for k, p := range perms.MaskingOverride {
			kind, err := privacy.ParseEntityKind(k)
			if err != nil {
				return nil, core.ConfigurationErr(fmt.Sprintf("role %s masking override", name), err)
			}
			if err := masking.Validate(p); err != nil {
				return nil, fmt.Errorf("role %s override for %s: %w", name, kind, err)
			}
			rp.overrides[kind] = p
		}
		out[strings.ToLower(name)] = rp
	}
	return out, nil
}

func (p *Protector) role(name string) *rolePolicy {
	if name == "" {
		return nil
	}
	return p.roles[strings.ToLower(name)]
}

// Protect protects text in a one-shot session.
func (p *Protector) Protect(text string, opts Options) (*Result, error) {
	s := p.NewSession(opts)
	defer s.Close()
	return s.Protect(text)
}

// ProtectContext is Protect with a context for the audit recorder.
func (p *Protector) ProtectContext(ctx context.Context, text string, opts Options) (*Result, error) {
	s := p.NewSession(opts)
	defer s.Close()
	return s.ProtectContext(ctx, text)
}

// RedactString masks text for log output. It implements logger.Redactor.
func (p *Protector) RedactString(text string) string {
	if text == "" {
		return text
	}
	s := p.NewSession(Options{Mode: Display, Context: ContextLogs})
	s.audit = false
	defer s.Close()

	res, err := s.Protect(text)
	if err != nil {
		return "[REDACTION_FAILED]"
	}
	return res.Text
}
