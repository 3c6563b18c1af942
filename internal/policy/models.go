// Package policy holds the masking policy and keeps it in sync with the
// remote policy service.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// ContextAll matches every context.
const ContextAll = "all"

// DefaultShowLast is used when a rule does not set show_last.
const DefaultShowLast = 4

// MaskingRule maps an entity kind to a strategy for a set of contexts
type MaskingRule struct {
	EntityKind privacy.EntityKind `json:"entity_type" yaml:"entity_type"`
	Strategy   masking.Strategy   `json:"strategy" yaml:"strategy"`
	Contexts   []string           `json:"contexts" yaml:"contexts"`
	ShowLast   int                `json:"show_last" yaml:"show_last"`
	// Roles that see the value unmasked.
	Exceptions []string `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
}

type plainRule MaskingRule

// UnmarshalJSON applies rule defaults.
func (r *MaskingRule) UnmarshalJSON(data []byte) error {
	p := plainRule{ShowLast: DefaultShowLast, Contexts: []string{ContextAll}}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = MaskingRule(p)
	return nil
}

// UnmarshalYAML applies rule defaults.
func (r *MaskingRule) UnmarshalYAML(node *yaml.Node) error {
	p := plainRule{ShowLast: DefaultShowLast, Contexts: []string{ContextAll}}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = MaskingRule(p)
	return nil
}

// AppliesTo reports whether the rule covers context.
func (r *MaskingRule) AppliesTo(context string) bool {
	for _, c := range r.Contexts {
		if strings.EqualFold(c, ContextAll) || strings.EqualFold(c, context) {
			return true
		}
	}
	return false
}

// Exempts reports whether role is listed in the rule's exceptions.
func (r *MaskingRule) Exempts(role string) bool {
	if role == "" {
		return false
	}
	for _, e := range r.Exceptions {
		if strings.EqualFold(e, role) {
			return true
		}
	}
	return false
}

// Policy is an immutable, versioned set of masking rules. A Policy is
// replaced as a whole and must not be modified once published.
type Policy struct {
	ID          string        `json:"policy_id" yaml:"policy_id"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string        `json:"version" yaml:"version"`
	Environment string        `json:"environment,omitempty" yaml:"environment,omitempty"`
	Rules       []MaskingRule `json:"rules" yaml:"rules"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time     `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

type plainPolicy Policy

// UnmarshalJSON treats a missing enabled flag as true.
func (p *Policy) UnmarshalJSON(data []byte) error {
	pp := plainPolicy{Enabled: true}
	if err := json.Unmarshal(data, &pp); err != nil {
		return err
	}
	*p = Policy(pp)
	return nil
}

// UnmarshalYAML treats a missing enabled flag as true.
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	pp := plainPolicy{Enabled: true}
	if err := node.Decode(&pp); err != nil {
		return err
	}
	*p = Policy(pp)
	return nil
}

// Validate checks that the policy is identified and that every rule names
// a kind and a strategy.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return core.PolicyErr("policy has no policy_id", nil)
	}
	if strings.TrimSpace(p.Version) == "" {
		return core.PolicyErr(fmt.Sprintf("policy %s has no version", p.ID), nil)
	}
	for i, r := range p.Rules {
		if !r.EntityKind.Valid() {
			return core.PolicyErr(fmt.Sprintf("rule %d has no entity_type", i), nil)
		}
		if !r.Strategy.Valid() {
			return core.PolicyErr(fmt.Sprintf("rule %d (%s) has no strategy", i, r.EntityKind), nil)
		}
		if r.ShowLast < 0 {
			return core.PolicyErr(fmt.Sprintf("rule %d (%s) has negative show_last", i, r.EntityKind), nil)
		}
	}
	return nil
}

// GetRule returns the first rule for kind that applies to context, or nil.
func (p *Policy) GetRule(kind privacy.EntityKind, context string) *MaskingRule {
	if p == nil || !p.Enabled {
		return nil
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.EntityKind == kind && r.AppliesTo(context) {
			return r
		}
	}
	return nil
}

// Decision is the resolved treatment of one entity.
type Decision struct {
	Strategy masking.Strategy `json:"strategy"`
	ShowLast int              `json:"show_last"`
	// Matched is false when no rule covers the kind and context.
	Matched bool `json:"matched"`
	// Exempt is set when the caller's role is a rule exception.
	Exempt bool `json:"exempt"`
}

// Resolve decides how kind is treated in context for role.
func (p *Policy) Resolve(kind privacy.EntityKind, context, role string) Decision {
	r := p.GetRule(kind, context)
	if r == nil {
		return Decision{}
	}
	if r.Exempts(role) {
		return Decision{Strategy: masking.Allow, ShowLast: r.ShowLast, Matched: true, Exempt: true}
	}
	return Decision{Strategy: r.Strategy, ShowLast: r.ShowLast, Matched: true}
}

// DefaultPolicy is served when neither the remote service, a snapshot nor
// a fallback policy is available.
func DefaultPolicy() *Policy {
	all := []string{ContextAll}
	logs := []string{"logs"}
	return &Policy{
		ID:          "default",
		Name:        "Built-in default policy",
		Description: "Conservative protection used until a managed policy is available",
		Version:     "0",
		Environment: "default",
		Enabled:     true,
		Rules: []MaskingRule{
			{EntityKind: privacy.SSN, Strategy: masking.DeterministicReversible, Contexts: all, ShowLast: DefaultShowLast},
			{EntityKind: privacy.CreditCard, Strategy: masking.Tokenize, Contexts: all, ShowLast: DefaultShowLast},
			{EntityKind: privacy.Email, Strategy: masking.PartialMask, Contexts: logs, ShowLast: DefaultShowLast},
			{EntityKind: privacy.Phone, Strategy: masking.PartialMask, Contexts: logs, ShowLast: DefaultShowLast},
			{EntityKind: privacy.APIKey, Strategy: masking.FullMask, Contexts: all, ShowLast: DefaultShowLast},
			{EntityKind: privacy.Password, Strategy: masking.Redact, Contexts: all, ShowLast: DefaultShowLast},
		},
	}
}

// Parse decodes a JSON or YAML policy document and validates it.
func Parse(data []byte) (*Policy, error) {
	if doc := bytes.TrimSpace(data); len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return nil, core.PolicyErr("empty policy document", nil)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, core.PolicyErr("failed to parse policy", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads a policy from a YAML (or JSON) file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.PolicyErr(fmt.Sprintf("failed to read policy file %s", path), err)
	}
	return Parse(data)
}
