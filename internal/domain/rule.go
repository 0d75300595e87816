package domain

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Severity is the rule-level weight category.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Multiplier returns the score multiplier for the severity.
// Unknown severities count as LOW.
func (s Severity) Multiplier() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// RuleType tells whether a rule runs locally or needs a remote validator.
type RuleType string

const (
	RuleTypeInternal RuleType = "INTERNAL"
	RuleTypeExternal RuleType = "EXTERNAL"
)

// FraudRule is a configured check that may trigger and contribute score.
// Rules are immutable snapshots once loaded by the rule store.
type FraudRule struct {
	ID                string         `json:"id"`
	Code              string         `json:"code"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Category          string         `json:"category"`
	Severity          Severity       `json:"severity"`
	RuleType          RuleType       `json:"ruleType"`
	Enabled           bool           `json:"enabled"`
	ApplicableModules []string       `json:"applicableModules,omitempty"`
	Condition         Condition      `json:"-"`
	Action            map[string]any `json:"action,omitempty"`
}

// AppliesTo reports whether the rule is enabled for the given module.
// An empty module list matches every module.
func (r *FraudRule) AppliesTo(module string) bool {
	if !r.Enabled {
		return false
	}
	if len(r.ApplicableModules) == 0 {
		return true
	}
	return slices.Contains(r.ApplicableModules, module)
}

// ForcedRecommendation returns the recommendation pinned by the rule's
// action block, if any.
func (r *FraudRule) ForcedRecommendation() (Recommendation, bool) {
	if r.Action == nil {
		return "", false
	}
	v, ok := r.Action["recommendation"].(string)
	if !ok {
		return "", false
	}
	rec := Recommendation(v)
	if !rec.Valid() {
		return "", false
	}
	return rec, true
}

type fraudRuleJSON FraudRule

type fraudRuleWire struct {
	*fraudRuleJSON
	Condition json.RawMessage `json:"condition,omitempty"`
}

// UnmarshalJSON decodes the rule and resolves its condition variant.
func (r *FraudRule) UnmarshalJSON(data []byte) error {
	wire := fraudRuleWire{fraudRuleJSON: (*fraudRuleJSON)(r)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Condition = ParseCondition(wire.Condition)
	return nil
}

// MarshalJSON encodes the rule with its condition in wire form.
func (r FraudRule) MarshalJSON() ([]byte, error) {
	cond, err := MarshalCondition(r.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	rule := fraudRuleJSON(r)
	return json.Marshal(fraudRuleWire{fraudRuleJSON: &rule, Condition: cond})
}
