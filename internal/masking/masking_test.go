package masking

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		pattern config.MaskPattern
		want    string
	}{
		{
			name:    "PhonePreserveFormat",
			value:   "555-123-4567",
			pattern: config.MaskPattern{Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*", PreserveFormat: true},
			want:    "***-***-4567",
		},
		{
			name:    "PhoneParensPreserveFormat",
			value:   "(555) 123-4567",
			pattern: config.MaskPattern{Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*", PreserveFormat: true},
			want:    "(***) ***-4567",
		},
		{
			name:    "PhoneStripped",
			value:   "555-123-4567",
			pattern: config.MaskPattern{Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*"},
			want:    "******4567",
		},
		{
			name:    "EmailCustom",
			value:   "john.doe@example.com",
			pattern: config.MaskPattern{Type: config.MaskCustom, ShowFirst: 1, MaskChar: "*", PreserveFormat: true},
			want:    "j*******@example.com",
		},
		{
			name:    "CustomWithoutSeparator",
			value:   "johndoe",
			pattern: config.MaskPattern{Type: config.MaskCustom, ShowFirst: 1, MaskChar: "*"},
			want:    "j******",
		},
		{
			name:    "CreditCardFirstLast",
			value:   "4111-1111-1111-1111",
			pattern: config.MaskPattern{Type: config.MaskShowFirstLast, ShowFirst: 4, ShowLast: 4, MaskChar: "*", PreserveFormat: true},
			want:    "4111-****-****-1111",
		},
		{
			name:    "ShortValueUnmasked",
			value:   "123",
			pattern: config.MaskPattern{Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*"},
			want:    "123",
		},
		{
			name:    "ShortFirstLastUnmasked",
			value:   "12345678",
			pattern: config.MaskPattern{Type: config.MaskShowFirstLast, ShowFirst: 4, ShowLast: 4},
			want:    "12345678",
		},
		{
			name:    "FullMaskCustomChar",
			value:   "secret",
			pattern: config.MaskPattern{Type: config.MaskFull, MaskChar: "#"},
			want:    "######",
		},
		{
			name:    "DefaultMaskChar",
			value:   "abc",
			pattern: config.MaskPattern{Type: config.MaskFull},
			want:    "***",
		},
		{
			name:    "Unicode",
			value:   "Ünïcödé",
			pattern: config.MaskPattern{Type: config.MaskShowFirst, ShowFirst: 1, MaskChar: "•"},
			want:    "Ü••••••",
		},
		{
			name:    "PersonShowFirst",
			value:   "John Smith",
			pattern: config.MaskPattern{Type: config.MaskShowFirst, ShowFirst: 1, MaskChar: "*"},
			want:    "J********",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Mask(tt.value, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaskPreservesLength(t *testing.T) {
	values := []string{"555-123-4567", "(555) 123-4567", "a b c", "4111 1111 1111 1111", "x"}
	for name, p := range DefaultPatterns() {
		p.PreserveFormat = true
		for _, v := range values {
			got, err := Mask(v, p)
			require.NoError(t, err, name.String())
			assert.Equal(t, utf8.RuneCountInString(v), utf8.RuneCountInString(got), "%s %q", name, v)
		}
	}
}

func TestValidate(t *testing.T) {
	bad := []config.MaskPattern{
		{Type: "bogus"},
		{Type: config.MaskShowFirst, ShowFirst: -1},
		{Type: config.MaskShowLast, ShowLast: -2},
		{Type: config.MaskFull, MaskChar: "**"},
	}
	for _, p := range bad {
		err := Validate(p)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrConfiguration))

		_, err = Mask("value", p)
		assert.True(t, errors.Is(err, core.ErrConfiguration))
	}

	for kind, p := range DefaultPatterns() {
		assert.NoError(t, Validate(p), kind.String())
	}
}

func TestMergePatterns(t *testing.T) {
	merged, err := MergePatterns(DefaultPatterns(), map[string]config.MaskPattern{
		"phone":    {Type: config.MaskFull, MaskChar: "X"},
		"ZIP_CODE": {Type: config.MaskShowFirst, ShowFirst: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, config.MaskFull, merged[privacy.Phone].Type)
	assert.Equal(t, 3, merged[privacy.ZipCode].ShowFirst)
	assert.Equal(t, config.MaskShowLast, merged[privacy.SSN].Type)

	assert.Equal(t, config.MaskShowLast, DefaultPatterns()[privacy.Phone].Type)

	_, err = MergePatterns(nil, map[string]config.MaskPattern{"retina": {Type: config.MaskFull}})
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = MergePatterns(nil, map[string]config.MaskPattern{"ssn": {Type: "nope"}})
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestMaskerPartial(t *testing.T) {
	m := NewMasker("TOK_")

	tests := []struct {
		kind     privacy.EntityKind
		value    string
		showLast int
		want     string
	}{
		{privacy.SSN, "123-45-6789", 4, "***-**-6789"},
		{privacy.SSN, "123456789", 4, "*****6789"},
		{privacy.CreditCard, "4111 1111 1111 1234", 4, "****-****-****-1234"},
		{privacy.Email, "john@example.com", 4, "j***@example.com"},
		{privacy.Phone, "(555) 123-4567", 4, "***-***-4567"},
		{privacy.IPAddress, "192.168.1.10", 4, "192.*.*.*"},
		{privacy.ZipCode, "90210", 4, "*0210"},
		{privacy.Age, "abc", 4, "***"},
		{privacy.Age, "abcd", 4, "****"},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.value, func(t *testing.T) {
			got, err := m.Mask(tt.value, PartialMask, tt.kind, tt.showLast)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaskerStrategies(t *testing.T) {
	m := NewMasker("TOK_")

	t.Run("FullMask", func(t *testing.T) {
		got, err := m.Mask("secret", FullMask, privacy.APIKey, 0)
		require.NoError(t, err)
		assert.Equal(t, "******", got)
	})

	t.Run("Hash", func(t *testing.T) {
		got, err := m.Mask("hello", Hash, privacy.Email, 0)
		require.NoError(t, err)
		assert.Equal(t, "2cf24dba5fb0a30e", got)
	})

	t.Run("Redact", func(t *testing.T) {
		got, err := m.Mask("hunter22", Redact, privacy.Password, 0)
		require.NoError(t, err)
		assert.Equal(t, "[REDACTED_PASSWORD]", got)
	})

	t.Run("Allow", func(t *testing.T) {
		got, err := m.Mask("visible", Allow, privacy.Person, 0)
		require.NoError(t, err)
		assert.Equal(t, "visible", got)
	})

	t.Run("Empty", func(t *testing.T) {
		got, err := m.Mask("", Redact, privacy.Person, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Tokenize", func(t *testing.T) {
		tok, err := m.Mask("4111111111111111", Tokenize, privacy.CreditCard, 0)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(tok, "TOK_"))
		assert.Len(t, tok, len("TOK_")+8)

		again, err := m.Mask("4111111111111111", Tokenize, privacy.CreditCard, 0)
		require.NoError(t, err)
		assert.Equal(t, tok, again)

		other, err := m.Mask("5500000000000004", Tokenize, privacy.CreditCard, 0)
		require.NoError(t, err)
		assert.NotEqual(t, tok, other)

		orig, ok := m.Detokenize(tok)
		require.True(t, ok)
		assert.Equal(t, "4111111111111111", orig)
		assert.Len(t, m.Tokens(), 2)

		m.Clear()
		_, ok = m.Detokenize(tok)
		assert.False(t, ok)
	})

	t.Run("ReversibleNotHandled", func(t *testing.T) {
		for _, s := range []Strategy{DeterministicReversible, RealisticSubstitute, StrategyUnknown} {
			_, err := m.Mask("x", s, privacy.SSN, 0)
			assert.True(t, errors.Is(err, core.ErrConfiguration), s.String())
		}
	})
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"FPE":                      DeterministicReversible,
		"fpe":                      DeterministicReversible,
		"DETERMINISTIC_REVERSIBLE": DeterministicReversible,
		"realistic_substitute":     RealisticSubstitute,
		"PARTIAL_MASK":             PartialMask,
		"partial":                  PartialMask,
		"FULL_MASK":                FullMask,
		"hash":                     Hash,
		"REDACT":                   Redact,
		"TOKENIZE":                 Tokenize,
		"ALLOW":                    Allow,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStrategy("SHRED")
	assert.Error(t, err)

	assert.True(t, Tokenize.Reversible())
	assert.True(t, DeterministicReversible.Reversible())
	assert.False(t, PartialMask.Reversible())

	var s struct {
		Strategy Strategy `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"strategy":"FPE"}`), &s))
	assert.Equal(t, DeterministicReversible, s.Strategy)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"strategy":"DETERMINISTIC_REVERSIBLE"}`, string(out))
}

func TestSubstituter(t *testing.T) {
	t.Run("PersonDeterministic", func(t *testing.T) {
		s := NewSubstituter()
		a, err := s.Substitute("Ramesh Kumar", privacy.Person)
		require.NoError(t, err)
		b, err := s.Substitute("Ramesh Kumar", privacy.Person)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, strings.Fields(a), 2)

		orig, ok := s.Original(a)
		require.True(t, ok)
		assert.Equal(t, "Ramesh Kumar", orig)

		fresh := NewSubstituter()
		c, err := fresh.Substitute("Ramesh Kumar", privacy.Person)
		require.NoError(t, err)
		assert.Equal(t, a, c)
	})

	t.Run("Reserve", func(t *testing.T) {
		first, err := NewSubstituter().Substitute("Ramesh Kumar", privacy.Person)
		require.NoError(t, err)

		s := NewSubstituter()
		s.Reserve(first, "Jolaa Smith")
		sub, err := s.Substitute("Ramesh Kumar", privacy.Person)
		require.NoError(t, err)
		assert.NotEqual(t, first, sub)

		orig, ok := s.Original(first)
		require.True(t, ok)
		assert.Equal(t, "Jolaa Smith", orig)

		same := NewSubstituter()
		same.Reserve(first, "Ramesh Kumar")
		sub, err = same.Substitute("Ramesh Kumar", privacy.Person)
		require.NoError(t, err)
		assert.Equal(t, first, sub, "a reservation by the same original is reused")
	})

	t.Run("Doctor", func(t *testing.T) {
		s := NewSubstituter()
		sub, err := s.Substitute("Dr. Sanjay Gupta", privacy.Person)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sub, "Dr. "))

		sub, err = s.Substitute("Gregory House", privacy.DoctorName)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sub, "Dr. "))
	})

	t.Run("PhoneKeepsFormat", func(t *testing.T) {
		s := NewSubstituter()
		sub, err := s.Substitute("+91-9876543210", privacy.Phone)
		require.NoError(t, err)
		require.Len(t, sub, len("+91-9876543210"))
		assert.Equal(t, "+", sub[:1])
		assert.Equal(t, "-", sub[3:4])
		for i := 0; i < len(sub); i++ {
			if sub[i] != '+' && sub[i] != '-' {
				assert.True(t, sub[i] >= '0' && sub[i] <= '9')
			}
		}
	})

	t.Run("IdentifierKeepsLetters", func(t *testing.T) {
		s := NewSubstituter()
		sub, err := s.Substitute("AB1234567", privacy.Passport)
		require.NoError(t, err)
		assert.Equal(t, "AB", sub[:2])
		assert.Len(t, sub, 9)
	})

	t.Run("Address", func(t *testing.T) {
		s := NewSubstituter()
		sub, err := s.Substitute("123 Main Street", privacy.Address)
		require.NoError(t, err)
		assert.Contains(t, sub, "Bengaluru")
	})

	t.Run("Unsupported", func(t *testing.T) {
		s := NewSubstituter()
		_, err := s.Substitute("a@b.com", privacy.Email)
		assert.True(t, errors.Is(err, ErrUnsupported))
		assert.False(t, Supports(privacy.SSN))
		assert.True(t, Supports(privacy.MedicalRecordNumber))
	})

	t.Run("SubstitutesAreUnique", func(t *testing.T) {
		s := NewSubstituter()
		seen := make(map[string]string)
		for i := 0; i < 300; i++ {
			name := fmt.Sprintf("Patient%03d Person", i)
			sub, err := s.Substitute(name, privacy.Person)
			require.NoError(t, err)
			if prev, dup := seen[sub]; dup {
				t.Fatalf("%q issued for both %q and %q", sub, prev, name)
			}
			seen[sub] = name

			orig, ok := s.Original(sub)
			require.True(t, ok)
			assert.Equal(t, name, orig)
		}
		assert.Equal(t, 300, s.Len())
		assert.Len(t, s.Mappings(), 300)

		s.Clear()
		assert.Equal(t, 0, s.Len())
	})
}
