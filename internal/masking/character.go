// Package masking renders sensitive values for display and builds the
// reversible substitutes handed to downstream consumers.
package masking

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

const (
	defaultMaskChar  = '*'
	defaultSeparator = "@"
)

// Validate checks a character-masking pattern.
func Validate(p config.MaskPattern) error {
	if err := p.Validate(); err != nil {
		return core.ConfigurationErr("invalid mask pattern", err)
	}
	return nil
}

func isStructural(r rune) bool {
	return r == '-' || r == '(' || r == ')' || r == ' '
}

// Mask renders value according to p. Structural characters are removed
// before masking; with PreserveFormat they are put back at their original
// positions afterwards.
func Mask(value string, p config.MaskPattern) (string, error) {
	if err := Validate(p); err != nil {
		return "", err
	}

	maskChar := defaultMaskChar
	if p.MaskChar != "" {
		maskChar, _ = utf8.DecodeRuneInString(p.MaskChar)
	}

	runes := []rune(value)
	stripped := make([]rune, 0, len(runes))
	for _, r := range runes {
		if !isStructural(r) {
			stripped = append(stripped, r)
		}
	}

	masked := apply(stripped, p, maskChar)
	if !p.PreserveFormat {
		return string(masked), nil
	}

	out := make([]rune, 0, len(runes))
	i := 0
	for _, r := range runes {
		if isStructural(r) {
			out = append(out, r)
			continue
		}
		out = append(out, masked[i])
		i++
	}
	return string(out), nil
}

// apply masks s in place of a copy; the result always has len(s) runes.
func apply(s []rune, p config.MaskPattern, maskChar rune) []rune {
	switch p.Type {
	case config.MaskShowFirst:
		return keepEnds(s, p.ShowFirst, 0, maskChar)
	case config.MaskShowLast:
		return keepEnds(s, 0, p.ShowLast, maskChar)
	case config.MaskShowFirstLast:
		return keepEnds(s, p.ShowFirst, p.ShowLast, maskChar)
	case config.MaskCustom:
		sep := p.Separator
		if sep == "" {
			sep = defaultSeparator
		}
		str := string(s)
		idx := strings.Index(str, sep)
		if idx < 0 {
			return keepEnds(s, p.ShowFirst, 0, maskChar)
		}
		local := keepEnds([]rune(str[:idx]), p.ShowFirst, 0, maskChar)
		return append(local, []rune(str[idx:])...)
	default:
		return keepEnds(s, 0, 0, maskChar)
	}
}

// keepEnds keeps first leading and last trailing runes and masks the
// middle. Values no longer than first+last come back unmasked.
func keepEnds(s []rune, first, last int, maskChar rune) []rune {
	out := make([]rune, len(s))
	copy(out, s)
	if (first > 0 || last > 0) && len(s) <= first+last {
		return out
	}
	for i := first; i < len(s)-last; i++ {
		out[i] = maskChar
	}
	return out
}

// DefaultPatterns returns the built-in display patterns per kind.
func DefaultPatterns() map[privacy.EntityKind]config.MaskPattern {
	return map[privacy.EntityKind]config.MaskPattern{
		privacy.Person: {
			Type: config.MaskShowFirst, ShowFirst: 1, MaskChar: "*",
		},
		privacy.Email: {
			Type: config.MaskCustom, ShowFirst: 1, MaskChar: "*", Separator: "@", PreserveFormat: true,
		},
		privacy.Phone: {
			Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*", PreserveFormat: true,
		},
		privacy.SSN: {
			Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*", PreserveFormat: true,
		},
		privacy.CreditCard: {
			Type: config.MaskShowFirstLast, ShowFirst: 4, ShowLast: 4, MaskChar: "*", PreserveFormat: true,
		},
		privacy.DateOfBirth: {
			Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*", PreserveFormat: true,
		},
		privacy.Address: {
			Type: config.MaskShowLast, ShowLast: 15, MaskChar: "*",
		},
		privacy.MedicalRecordNumber: {
			Type: config.MaskShowLast, ShowLast: 3, MaskChar: "*",
		},
	}
}

// MergePatterns overlays configured patterns, keyed by kind name in any
// case, on top of base. base is not modified.
func MergePatterns(base map[privacy.EntityKind]config.MaskPattern, overrides map[string]config.MaskPattern) (map[privacy.EntityKind]config.MaskPattern, error) {
	merged := make(map[privacy.EntityKind]config.MaskPattern, len(base)+len(overrides))
	for k, p := range base {
		merged[k] = p
	}
	for name, p := range overrides {
		kind, err := privacy.ParseEntityKind(name)
		if err != nil {
			return nil, core.ConfigurationErr(fmt.Sprintf("mask pattern for %q", name), err)
		}
		if err := Validate(p); err != nil {
			return nil, err
		}
		merged[kind] = p
	}
	return merged, nil
}
