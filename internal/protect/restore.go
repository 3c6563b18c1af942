package protect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMappingConflict is returned when an entry would make a mapping
// ambiguous: a protected value standing for two originals, or a value that
// is both a protected value and an original.
var ErrMappingConflict = errors.New("conflicting session mapping entry")

// Mapping maps protected values back to their originals.
type Mapping map[string]string

// Clone returns a copy of m.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Restore replaces every literal occurrence of a protected value in text
// with its original. Longer protected values win over shorter ones that
// share a prefix. Replaced text is never scanned again and text without
// protected values comes back unchanged.
func Restore(text string, mapping Mapping) string {
	if text == "" || len(mapping) == 0 {
		return text
	}

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return text
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, mapping[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// mappingIndex is a Mapping plus a count of the keys pointing at each
// original. It keeps restoration single-step: no original is also a key,
// so restoring twice gives the same text as restoring once.
type mappingIndex struct {
	m         Mapping
	originals map[string]int
}

func newMappingIndex(m Mapping) *mappingIndex {
	ix := &mappingIndex{m: make(Mapping, len(m)), originals: make(map[string]int, len(m))}
	for k, v := range m {
		if k != "" {
			ix.m[k] = v
			ix.originals[v]++
		}
	}
	return ix
}

// add records protected->original. It reports whether the entry is new.
func (ix *mappingIndex) add(protected, original string) (bool, error) {
	if protected == "" {
		return false, nil
	}
	if prev, ok := ix.m[protected]; ok {
		if prev != original {
			return false, fmt.Errorf("%w: protected value already stands for another original", ErrMappingConflict)
		}
		return false, nil
	}
	if ix.originals[protected] > 0 {
		return false, fmt.Errorf("%w: protected value is an original elsewhere in the mapping", ErrMappingConflict)
	}
	if _, ok := ix.m[original]; ok {
		return false, fmt.Errorf("%w: original is a protected value elsewhere in the mapping", ErrMappingConflict)
	}
	ix.m[protected] = original
	ix.originals[original]++
	return true, nil
}

func (ix *mappingIndex) remove(protected string) {
	original, ok := ix.m[protected]
	if !ok {
		return
	}
	delete(ix.m, protected)
	if ix.originals[original]--; ix.originals[original] <= 0 {
		delete(ix.originals, original)
	}
}

// merge adds every entry of m or none of them.
func (ix *mappingIndex) merge(m Mapping) error {
	added := make([]string, 0, len(m))
	for k, v := range m {
		ok, err := ix.add(k, v)
		if err != nil {
			for _, a := range added {
				ix.remove(a)
			}
			return err
		}
		if ok {
			added = append(added, k)
		}
	}
	return nil
}
