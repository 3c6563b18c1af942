package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
)

const (
	baseConfidence = 0.8
	keywordBoost   = 0.15
	keywordWindow  = 20
	entityMarker   = "[ENTITY]"
)

// Detector finds PII/PHI entities in free text
type Detector struct {
	patterns []Pattern
	enabled  map[EntityKind]bool
	mu       sync.RWMutex
	logger   *logger.Logger
	config   config.DetectionConfig
}

// New creates a new PII detector instance
func New(cfg config.DetectionConfig, log *logger.Logger) (*Detector, error) {
	if log == nil {
		log = logger.NewNop()
	}

	patterns := DefaultPatterns()
	custom, err := compileCustomPatterns(cfg.CustomPatterns)
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, custom...)

	detector := &Detector{
		patterns: patterns,
		enabled:  make(map[EntityKind]bool),
		logger:   log,
		config:   cfg,
	}

	if err := detector.configureDetectors(cfg.Detectors); err != nil {
		return nil, core.ConfigurationErr("failed to configure detectors", err)
	}
	for _, p := range custom {
		detector.enabled[p.Kind] = true
	}

	log.Info("Privacy detector initialized",
		zap.Int("total_patterns", len(detector.patterns)),
		zap.Int("enabled_kinds", detector.countEnabledKinds()),
		zap.Float64("min_confidence", cfg.MinConfidence),
	)

	return detector, nil
}

// compileCustomPatterns turns configured regexes into patterns appended
// after the built-in library.
func compileCustomPatterns(custom []config.CustomPattern) ([]Pattern, error) {
	var out []Pattern
	for _, cp := range custom {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			return nil, core.ConfigurationErr(fmt.Sprintf("custom pattern %q does not compile", cp.Name), err)
		}
		kind := Custom
		if cp.Kind != "" {
			kind, err = ParseEntityKind(cp.Kind)
			if err != nil {
				return nil, core.ConfigurationErr(fmt.Sprintf("custom pattern %q", cp.Name), err)
			}
		}
		if cp.Group < 0 || cp.Group > re.NumSubexp() {
			return nil, core.ConfigurationErr(fmt.Sprintf("custom pattern %q has no group %d", cp.Name, cp.Group), nil)
		}
		keywords := cp.Keywords
		if len(keywords) == 0 {
			keywords = kindKeywords[kind]
		}
		out = append(out, Pattern{
			Kind:     kind,
			Name:     cp.Name,
			Regexp:   re,
			Group:    cp.Group,
			Keywords: keywords,
		})
	}
	return out, nil
}

// configureDetectors enables kinds based on configuration
func (d *Detector) configureDetectors(detectors []string) error {
	for _, p := range d.patterns {
		d.enabled[p.Kind] = false
	}

	for _, name := range detectors {
		if strings.EqualFold(name, "all") {
			for _, p := range d.patterns {
				d.enabled[p.Kind] = true
			}
			continue
		}

		kind, err := ParseEntityKind(name)
		if err != nil {
			return fmt.Errorf("unknown detector: %s", name)
		}
		if _, ok := d.enabled[kind]; !ok {
			return fmt.Errorf("no patterns for detector: %s", name)
		}
		d.enabled[kind] = true
	}

	return nil
}

// Detect finds all entities in text using every enabled kind
func (d *Detector) Detect(text string) (*DetectionResult, error) {
	return d.detect(text, nil)
}

// DetectKinds restricts detection to the given kinds
func (d *Detector) DetectKinds(text string, kinds ...EntityKind) (*DetectionResult, error) {
	only := make(map[EntityKind]bool, len(kinds))
	for _, k := range kinds {
		only[k] = true
	}
	return d.detect(text, only)
}

// HasPII reports whether text contains at least one entity
func (d *Detector) HasPII(text string) (bool, error) {
	result, err := d.Detect(text)
	if err != nil {
		return false, err
	}
	return result.HasPII, nil
}

// EntityCounts returns how many entities of each kind text contains
func (d *Detector) EntityCounts(text string) (map[EntityKind]int, error) {
	result, err := d.Detect(text)
	if err != nil {
		return nil, err
	}
	return result.Counts(), nil
}

type span struct{ start, end int }

func (d *Detector) detect(text string, only map[EntityKind]bool) (*DetectionResult, error) {
	result := &DetectionResult{Text: text, Entities: []DetectedEntity{}}
	if !d.config.Enabled || text == "" {
		return result, nil
	}

	d.mu.RLock()
	enabled := make(map[EntityKind]bool, len(d.enabled))
	for k, v := range d.enabled {
		enabled[k] = v
	}
	d.mu.RUnlock()

	var candidates []DetectedEntity
	primary := make(map[EntityKind]map[span]bool)

	for _, p := range d.patterns {
		if !enabled[p.Kind] || (only != nil && !only[p.Kind]) {
			continue
		}

		for _, loc := range p.Regexp.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.Group], loc[2*p.Group+1]
			if start < 0 || start >= end {
				continue
			}

			s := span{start, end}
			if p.Fallback {
				if primary[p.Kind][s] {
					continue
				}
			} else {
				if primary[p.Kind] == nil {
					primary[p.Kind] = make(map[span]bool)
				}
				primary[p.Kind][s] = true
			}

			value := text[start:end]
			confidence := scoreMatch(p, text, value, start)
			if confidence < d.config.MinConfidence {
				continue
			}

			entity := DetectedEntity{
				Kind:       p.Kind,
				Value:      value,
				Start:      start,
				End:        end,
				Confidence: confidence,
			}
			if d.config.UseContext {
				entity.Context = extractContext(text, start, end, d.config.ContextWindow)
			}
			candidates = append(candidates, entity)
		}
	}

	entities := resolveOverlaps(candidates)
	if err := verifyEntities(text, entities); err != nil {
		return nil, err
	}

	result.Entities = entities
	result.HasPII = len(entities) > 0

	if result.HasPII {
		d.logger.Debug("PII detected",
			zap.Int("entities", len(entities)),
			zap.Int("candidates", len(candidates)),
		)
	}

	return result, nil
}

// scoreMatch applies the base confidence, keyword boost and validator
// adjustment, capped at 1.0.
func scoreMatch(p Pattern, text, value string, start int) float64 {
	confidence := baseConfidence

	if len(p.Keywords) > 0 {
		lo := runeFloor(text, start-keywordWindow)
		if lo > start {
			lo = start
		}
		before := strings.ToLower(text[lo:start])
		for _, kw := range p.Keywords {
			if strings.Contains(before, kw) {
				confidence += keywordBoost
				break
			}
		}
	}

	if p.Validate != nil {
		confidence += p.Validate(value)
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// runeFloor clamps i into [0, len(s)] and moves it forward to a rune start.
func runeFloor(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// runeCeil clamps i into [0, len(s)] and moves it back to a rune start.
func runeCeil(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	if i <= 0 {
		return 0
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// extractContext returns up to window bytes either side of the entity with
// the entity itself replaced by a marker.
func extractContext(text string, start, end, window int) string {
	lo := runeFloor(text, start-window)
	if lo > start {
		lo = start
	}
	hi := runeCeil(text, end+window)
	if hi < end {
		hi = end
	}
	return text[lo:start] + entityMarker + text[end:hi]
}

// resolveOverlaps keeps a non-overlapping subset of candidates. Candidates
// are ordered by start then descending confidence; a later candidate only
// displaces kept entities it strictly beats.
func resolveOverlaps(candidates []DetectedEntity) []DetectedEntity {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := make([]DetectedEntity, 0, len(candidates))
	for _, c := range candidates {
		wins := true
		overlapping := false
		for _, k := range kept {
			if c.Overlaps(k) {
				overlapping = true
				if c.Confidence <= k.Confidence {
					wins = false
					break
				}
			}
		}

		if !overlapping {
			kept = append(kept, c)
			continue
		}
		if !wins {
			continue
		}

		filtered := kept[:0]
		for _, k := range kept {
			if !c.Overlaps(k) {
				filtered = append(filtered, k)
			}
		}
		kept = append(filtered, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Start < kept[j].Start
	})
	return kept
}

// verifyEntities checks the span invariants of a resolved result.
func verifyEntities(text string, entities []DetectedEntity) error {
	prevEnd := 0
	for i, e := range entities {
		if e.Start < 0 || e.Start >= e.End || e.End > len(text) {
			return core.DetectionErr(fmt.Sprintf("entity %d has invalid span [%d,%d)", i, e.Start, e.End), nil)
		}
		if text[e.Start:e.End] != e.Value {
			return core.DetectionErr(fmt.Sprintf("entity %d value does not match its span", i), nil)
		}
		if i > 0 && e.Start < prevEnd {
			return core.DetectionErr(fmt.Sprintf("entity %d overlaps its predecessor", i), nil)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return core.DetectionErr(fmt.Sprintf("entity %d confidence %v out of range", i, e.Confidence), nil)
		}
		prevEnd = e.End
	}
	return nil
}

// countEnabledKinds returns the number of enabled kinds
func (d *Detector) countEnabledKinds() int {
	count := 0
	for _, enabled := range d.enabled {
		if enabled {
			count++
		}
	}
	return count
}

// EnabledKinds returns the enabled kinds in declaration order
func (d *Detector) EnabledKinds() []EntityKind {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var kinds []EntityKind
	for _, k := range AllKinds() {
		if d.enabled[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// EnableRule enables detection of a kind
func (d *Detector) EnableRule(kind EntityKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.enabled[kind]; !exists {
		return fmt.Errorf("unknown rule: %s", kind)
	}
	d.enabled[kind] = true
	d.logger.Info("Detection rule enabled", zap.Stringer("kind", kind))
	return nil
}

// DisableRule disables detection of a kind
func (d *Detector) DisableRule(kind EntityKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.enabled[kind]; !exists {
		return fmt.Errorf("unknown rule: %s", kind)
	}
	d.enabled[kind] = false
	d.logger.Info("Detection rule disabled", zap.Stringer("kind", kind))
	return nil
}
