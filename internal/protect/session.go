package protect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// ErrSessionClosed is returned by Protect after Close.
var ErrSessionClosed = errors.New("protection session is closed")

// Mode selects between output that can be restored and output for humans.
type Mode uint8

const (
	// Reversible protects values so the mapping can restore them. Used for
	// text sent to an LLM or an index.
	Reversible Mode = iota
	// Display masks values for logs and UIs.
	Display
)

func (m Mode) String() string {
	if m == Display {
		return "display"
	}
	return "reversible"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	mode, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseMode accepts "reversible" and "display"; empty means Reversible.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reversible":
		return Reversible, nil
	case "display":
		return Display, nil
	}
	return Reversible, fmt.Errorf("unknown protection mode %q", s)
}

// Options are per-session settings.
type Options struct {
	Mode      Mode   `json:"mode"`
	Context   string `json:"context,omitempty"`
	Role      string `json:"role,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// EntityReport describes how one entity was protected. It never carries
// the value itself.
type EntityReport struct {
	Kind       privacy.EntityKind `json:"entity_type"`
	Start      int                `json:"start"`
	End        int                `json:"end"`
	Confidence float64            `json:"confidence"`
	Strategy   masking.Strategy   `json:"strategy"`
	Reversible bool               `json:"reversible"`
	Failed     bool               `json:"failed,omitempty"`
	// ValueHash is the hex sha256 of the protected value, kept for audit
	// storage only.
	ValueHash string `json:"-"`
}

// Result is the outcome of protecting one text.
type Result struct {
	Text     string         `json:"text"`
	Mapping  Mapping        `json:"mapping,omitempty"`
	Entities []EntityReport `json:"entities"`
}

// Session scopes substitution tables, tokens and the protected->original
// mapping. Everything protected in one session restores through it, and
// the same value gets the same replacement throughout. Sessions are safe
// for concurrent use.
type Session struct {
	p       *Protector
	opts    Options
	role    *rolePolicy
	logger  *logger.Logger
	masker  *masking.Masker
	subst   *masking.Substituter
	audit   bool
	created time.Time

	mu      sync.RWMutex
	mapping *mappingIndex
	closed  bool
}

// NewSession starts a session with opts.
func (p *Protector) NewSession(opts Options) *Session {
	if opts.Context == "" {
		opts.Context = p.defaultContext
	}
	log := p.logger
	if opts.RequestID != "" {
		log = log.WithRequestID(opts.RequestID)
	}
	return &Session{
		p:       p,
		opts:    opts,
		role:    p.role(opts.Role),
		logger:  log,
		masker:  p.newMasker(),
		subst:   masking.NewSubstituter(),
		audit:   true,
		created: time.Now(),
		mapping: newMappingIndex(nil),
	}
}

// Options returns the session options.
func (s *Session) Options() Options { return s.opts }

// Protect detects entities in text and replaces each one.
func (s *Session) Protect(text string) (*Result, error) {
	return s.ProtectContext(context.Background(), text)
}

// ProtectContext is Protect with a context for the audit recorder.
func (s *Session) ProtectContext(ctx context.Context, text string) (*Result, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}

	detected, err := s.p.detector.Detect(text)
	if err != nil {
		return nil, err
	}

	entities := detected.Entities
	reports := make([]EntityReport, len(entities))
	local := make(Mapping)
	out := text

	// Splice from the end so earlier offsets stay valid.
	for i := len(entities) - 1; i >= 0; i-- {
		e := entities[i]
		replacement, report := s.protectEntity(e, local)
		reports[i] = report
		out = out[:e.Start] + replacement + out[e.End:]
	}

	if len(entities) > 0 {
		s.logger.Debug("Protected text",
			zap.String("mode", s.opts.Mode.String()),
			zap.String("context", s.opts.Context),
			zap.Int("entities", len(entities)),
			zap.Int("reversible", len(local)))
	}

	if s.audit && s.p.recorder != nil && len(reports) > 0 {
		rec := AuditRecord{
			RequestID: s.opts.RequestID,
			Context:   s.opts.Context,
			Role:      s.opts.Role,
			Mode:      s.opts.Mode,
			Entities:  reports,
			At:        time.Now(),
		}
		if err := s.p.recorder.Record(ctx, rec); err != nil {
			s.logger.Warn("Failed to record audit entry", zap.Error(err))
		}
	}

	return &Result{Text: out, Mapping: local, Entities: reports}, nil
}

// protectEntity returns the replacement for e's whole span and records
// reversible outputs in local and in the session mapping.
func (s *Session) protectEntity(e privacy.DetectedEntity, local Mapping) (string, EntityReport) {
	prefix, value := s.p.verbs.Strip(e.Value)
	sum := sha256.Sum256([]byte(value))
	report := EntityReport{
		Kind:       e.Kind,
		Start:      e.Start,
		End:        e.End,
		Confidence: e.Confidence,
		ValueHash:  hex.EncodeToString(sum[:]),
	}

	protected, strategy, err := s.apply(value, e.Kind)
	if err == nil && strategy.Reversible() && protected != value {
		err = s.record(protected, value)
	}
	if err != nil {
		s.logger.Warn("Masking failed, redacting entity",
			zap.String("entity_type", e.Kind.String()),
			zap.String("strategy", strategy.String()),
			zap.Error(err))
		if s.p.metrics != nil {
			s.p.metrics.ObserveFailure(e.Kind)
		}
		report.Strategy = masking.Redact
		report.Failed = true
		return prefix + masking.RedactedPlaceholder(e.Kind), report
	}

	report.Strategy = strategy
	report.Reversible = strategy.Reversible()
	if report.Reversible && protected != value {
		local[protected] = value
	}
	if s.p.metrics != nil {
		s.p.metrics.ObserveEntity(e.Kind, strategy)
	}
	return prefix + protected, report
}

// record adds protected->original to the session mapping. Entries that
// would make restoration ambiguous or chained are refused.
func (s *Session) record(protected, original string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.mapping.add(protected, original)
	return err
}

func (s *Session) apply(value string, kind privacy.EntityKind) (string, masking.Strategy, error) {
	d := s.p.policies.Resolve(kind, s.opts.Context, s.opts.Role)
	if s.opts.Mode == Display {
		return s.applyDisplay(value, kind, d)
	}
	return s.applyReversible(value, kind, d)
}

func (s *Session) applyReversible(value string, kind privacy.EntityKind, d policy.Decision) (string, masking.Strategy, error) {
	strategy := d.Strategy
	if !d.Matched {
		strategy = defaultReversible(kind)
	}
	return s.run(value, kind, strategy, d.ShowLast)
}

// defaultReversible picks the strategy for kinds without a rule. Cipher
// output keeps letter case, so capitalized phrases get decoys or tokens
// instead; otherwise they would re-detect as PERSON.
func defaultReversible(kind privacy.EntityKind) masking.Strategy {
	switch kind {
	case privacy.Person, privacy.DoctorName, privacy.Address:
		return masking.RealisticSubstitute
	case privacy.Organization:
		return masking.Tokenize
	}
	return masking.DeterministicReversible
}

func (s *Session) applyDisplay(value string, kind privacy.EntityKind, d policy.Decision) (string, masking.Strategy, error) {
	if s.role.canView(kind) {
		return value, masking.Allow, nil
	}

	pattern, hasPattern := s.pattern(kind)
	if d.Matched {
		if d.Strategy == masking.PartialMask && hasPattern {
			out, err := masking.Mask(value, pattern)
			return out, masking.PartialMask, err
		}
		return s.run(value, kind, d.Strategy, d.ShowLast)
	}

	if hasPattern {
		out, err := masking.Mask(value, pattern)
		return out, masking.PartialMask, err
	}
	switch kind {
	case privacy.APIKey, privacy.JWTToken:
		return s.run(value, kind, masking.FullMask, 0)
	case privacy.Password:
		return s.run(value, kind, masking.Redact, 0)
	}
	return s.run(value, kind, masking.PartialMask, s.p.showLast)
}

func (s *Session) pattern(kind privacy.EntityKind) (config.MaskPattern, bool) {
	if s.role != nil {
		if p, ok := s.role.overrides[kind]; ok {
			return p, true
		}
	}
	p, ok := s.p.patterns[kind]
	return p, ok
}

// run executes one strategy. The returned strategy is the one actually
// used, which differs from the requested one after a fallback.
func (s *Session) run(value string, kind privacy.EntityKind, strategy masking.Strategy, showLast int) (string, masking.Strategy, error) {
	switch strategy {
	case masking.DeterministicReversible:
		out, err := s.encrypt(value, kind)
		return out, strategy, err
	case masking.RealisticSubstitute:
		out, err := s.subst.Substitute(value, kind)
		if errors.Is(err, masking.ErrUnsupported) || errors.Is(err, masking.ErrExhausted) {
			out, err = s.encrypt(value, kind)
			return out, masking.DeterministicReversible, err
		}
		return out, strategy, err
	default:
		out, err := s.masker.Mask(value, strategy, kind, showLast)
		return out, strategy, err
	}
}

func (s *Session) encrypt(value string, kind privacy.EntityKind) (string, error) {
	if s.p.cipher == nil {
		return "", errors.New("no cipher configured")
	}
	return s.p.cipher.Encrypt(value, kind.String())
}

// Restore puts the originals of everything protected in this session back
// into text.
func (s *Session) Restore(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Restore(text, s.mapping.m)
}

// Mapping returns a copy of the session mapping.
func (s *Session) Mapping() Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping.m.Clone()
}

// Merge adds entries from another protect call, for example a query
// protected in a different session or a stored session mapping. Merged
// protected values are reserved, so later substitutes in this session
// never reuse them for a different original. A conflicting entry fails
// the merge with ErrMappingConflict and leaves the session unchanged.
func (s *Session) Merge(m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.mapping.merge(m); err != nil {
		return err
	}
	for k, v := range m {
		s.subst.Reserve(k, v)
	}
	return nil
}

// Len returns the number of mapping entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mapping.m)
}

// Close forgets every mapping, substitute and token of the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.mapping = newMappingIndex(nil)
	s.subst.Clear()
	s.masker.Clear()
	s.logger.Debug("Session closed", zap.Duration("lifetime", time.Since(s.created)))
}
