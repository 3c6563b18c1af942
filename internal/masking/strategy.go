package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// Strategy is how a detected value is protected.
type Strategy uint8

const (
	StrategyUnknown Strategy = iota
	DeterministicReversible
	RealisticSubstitute
	PartialMask
	FullMask
	Hash
	Redact
	Tokenize
	Allow

	strategyCount
)

var strategyNames = [strategyCount]string{
	StrategyUnknown:         "UNKNOWN",
	DeterministicReversible: "DETERMINISTIC_REVERSIBLE",
	RealisticSubstitute:     "REALISTIC_SUBSTITUTE",
	PartialMask:             "PARTIAL_MASK",
	FullMask:                "FULL_MASK",
	Hash:                    "HASH",
	Redact:                  "REDACT",
	Tokenize:                "TOKENIZE",
	Allow:                   "ALLOW",
}

// Short names accepted from policy documents.
var strategyAliases = map[string]Strategy{
	"FPE":       DeterministicReversible,
	"PARTIAL":   PartialMask,
	"FULL":      FullMask,
	"REALISTIC": RealisticSubstitute,
}

func (s Strategy) String() string {
	if s >= strategyCount {
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
	return strategyNames[s]
}

// Valid reports whether s is a declared strategy.
func (s Strategy) Valid() bool {
	return s > StrategyUnknown && s < strategyCount
}

// Reversible reports whether the protected value can be mapped back to
// the original.
func (s Strategy) Reversible() bool {
	return s == DeterministicReversible || s == RealisticSubstitute || s == Tokenize
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid strategy %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy resolves a strategy name case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if s, ok := strategyAliases[upper]; ok {
		return s, nil
	}
	for s := DeterministicReversible; s < strategyCount; s++ {
		if strategyNames[s] == upper {
			return s, nil
		}
	}
	return StrategyUnknown, fmt.Errorf("unknown masking strategy %q", name)
}

// RedactedPlaceholder is the fail-closed replacement for a value of kind.
func RedactedPlaceholder(kind privacy.EntityKind) string {
	return "[REDACTED_" + kind.String() + "]"
}

// Masker applies the irreversible strategies and tokenization. Its token
// table lives as long as the Masker.
type Masker struct {
	prefix string

	mu        sync.Mutex
	tokens    map[string]string // value -> token
	originals map[string]string // token -> value
}

// NewMasker creates a masker whose tokens start with prefix.
func NewMasker(prefix string) *Masker {
	return &Masker{
		prefix:    prefix,
		tokens:    make(map[string]string),
		originals: make(map[string]string),
	}
}

// Mask protects value with strategy. showLast only affects PartialMask.
func (m *Masker) Mask(value string, strategy Strategy, kind privacy.EntityKind, showLast int) (string, error) {
	if value == "" {
		return value, nil
	}

	switch strategy {
	case PartialMask:
		return partialMask(value, kind, showLast), nil
	case FullMask:
		return strings.Repeat("*", len([]rune(value))), nil
	case Hash:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])[:16], nil
	case Redact:
		return RedactedPlaceholder(kind), nil
	case Tokenize:
		return m.tokenize(value), nil
	case Allow:
		return value, nil
	default:
		return "", core.ConfigurationErr(fmt.Sprintf("strategy %s is not handled by the masker", strategy), nil)
	}
}

func (m *Masker) tokenize(value string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, ok := m.tokens[value]; ok {
		return token
	}
	for {
		id := uuid.New()
		token := m.prefix + hex.EncodeToString(id[:4])
		if _, taken := m.originals[token]; taken {
			continue
		}
		m.tokens[value] = token
		m.originals[token] = value
		return token
	}
}

// Detokenize returns the value a token was issued for.
func (m *Masker) Detokenize(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.originals[token]
	return v, ok
}

// Tokens returns a token -> value copy of the table.
func (m *Masker) Tokens() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.originals))
	for k, v := range m.originals {
		out[k] = v
	}
	return out
}

// Clear forgets every issued token.
func (m *Masker) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]string)
	m.originals = make(map[string]string)
}

func partialMask(value string, kind privacy.EntityKind, showLast int) string {
	switch kind {
	case privacy.SSN:
		if parts := strings.Split(value, "-"); len(parts) == 3 {
			return "***-**-" + parts[2]
		}
	case privacy.CreditCard:
		if digits := onlyDigits(value); len(digits) >= 4 {
			return "****-****-****-" + digits[len(digits)-4:]
		}
	case privacy.Email:
		if local, domain, ok := strings.Cut(value, "@"); ok && local != "" {
			_, size := utf8.DecodeRuneInString(local)
			return local[:size] + "***@" + domain
		}
	case privacy.Phone:
		if digits := onlyDigits(value); len(digits) >= 4 {
			return "***-***-" + digits[len(digits)-4:]
		}
	case privacy.IPAddress:
		if parts := strings.Split(value, "."); len(parts) == 4 {
			return parts[0] + ".*.*.*"
		}
	}
	return maskAllButLast(value, showLast)
}

// maskAllButLast shows the last n runes. Values no longer than n are masked
// entirely.
func maskAllButLast(value string, n int) string {
	runes := []rune(value)
	if n < 0 {
		n = 0
	}
	if len(runes) <= n {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-n) + string(runes[len(runes)-n:])
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
