package protect

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// VerbStripper removes a leading command word ("show", "list", ...) that a
// detector swallowed into an entity, so "Show Ramesh Kumar" protects only
// the name.
type VerbStripper struct {
	verbs []string
}

// NewVerbStripper matches verbs case-insensitively as whole words.
func NewVerbStripper(verbs []string) *VerbStripper {
	cleaned := make([]string, 0, len(verbs))
	for _, v := range verbs {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return &VerbStripper{verbs: cleaned}
}

// Strip splits value into the verb with its trailing whitespace and the
// remainder. prefix+rest == value always holds. When no verb leads the
// value, or nothing would be left after it, prefix is empty.
func (s *VerbStripper) Strip(value string) (prefix, rest string) {
	if s == nil {
		return "", value
	}
	for _, verb := range s.verbs {
		n := len(verb)
		if len(value) <= n || !strings.EqualFold(value[:n], verb) {
			continue
		}
		r, _ := utf8.DecodeRuneInString(value[n:])
		if !unicode.IsSpace(r) {
			continue
		}
		end := n + len(value[n:]) - len(strings.TrimLeftFunc(value[n:], unicode.IsSpace))
		if end == len(value) {
			continue
		}
		return value[:end], value[end:]
	}
	return "", value
}
