package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseCondition(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, ok := ParseCondition(json.RawMessage(`{"type":"velocity"}`)).(Velocity)
		if !ok {
			t.Fatal("expected Velocity")
		}
		if c.Threshold != 5 || c.Window() != time.Hour {
			t.Errorf("unexpected defaults: %+v", c)
		}
	})

	t.Run("ExplicitParameters", func(t *testing.T) {
		raw := `{"type":"GEO_DISTANCE","maxDistanceMeters":250,"fromPurpose":"SITE","toPurpose":"SELFIE"}`
		c, ok := ParseCondition(json.RawMessage(raw)).(GeoDistance)
		if !ok {
			t.Fatal("expected GeoDistance")
		}
		if c.MaxDistanceMeters != 250 || c.FromPurpose != "SITE" {
			t.Errorf("parameters not applied: %+v", c)
		}
	})

	t.Run("Windows", func(t *testing.T) {
		agg := ParseCondition(json.RawMessage(`{"type":"AGGREGATE_COUNT","periodDays":2}`)).(AggregateCount)
		if agg.Window() != 48*time.Hour {
			t.Errorf("expected 48h, got %v", agg.Window())
		}
		iv := ParseCondition(json.RawMessage(`{"type":"INTERVAL","minIntervalMinutes":1.5}`)).(Interval)
		if iv.Window() != 90*time.Second {
			t.Errorf("expected 90s, got %v", iv.Window())
		}
	})

	unknown := []struct {
		name   string
		raw    string
		reason string
	}{
		{"Missing", ``, "missing"},
		{"Null", `null`, "missing"},
		{"NotObject", `"VELOCITY"`, "not an object"},
		{"Unsupported", `{"type":"MOON_PHASE"}`, "unsupported"},
		{"BadParameters", `{"type":"VELOCITY","threshold":"many"}`, "invalid VELOCITY"},
	}
	for _, tt := range unknown {
		t.Run(tt.name, func(t *testing.T) {
			c := ParseCondition(json.RawMessage(tt.raw))
			u, ok := c.(UnknownCondition)
			if !ok {
				t.Fatalf("expected UnknownCondition, got %T", c)
			}
			if !strings.Contains(u.Reason, tt.reason) {
				t.Errorf("reason %q should mention %q", u.Reason, tt.reason)
			}
		})
	}
}

func TestFraudRuleJSON(t *testing.T) {
	raw := `{
		"id": "R1", "code": "GEO-01", "name": "Outside district",
		"category": "LOCATION", "severity": "HIGH", "ruleType": "INTERNAL", "enabled": true,
		"condition": {"type": "GEO_BOUNDARY", "minLat": 30, "maxLat": 31, "minLon": 75, "maxLon": 76},
		"action": {"recommendation": "MANUAL_REVIEW"}
	}`

	var rule FraudRule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	geo, ok := rule.Condition.(GeoBoundary)
	if !ok || geo.MinLat != 30 {
		t.Fatalf("condition not resolved: %#v", rule.Condition)
	}
	if rec, ok := rule.ForcedRecommendation(); !ok || rec != RecommendManualReview {
		t.Errorf("expected forced MANUAL_REVIEW, got %q %v", rec, ok)
	}

	out, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var again FraudRule
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("unmarshal of marshalled rule failed: %v", err)
	}
	if again.Condition != rule.Condition {
		t.Errorf("condition changed: %#v vs %#v", again.Condition, rule.Condition)
	}
}

func TestFraudRuleAppliesTo(t *testing.T) {
	all := &FraudRule{Enabled: true}
	scoped := &FraudRule{Enabled: true, ApplicableModules: []string{"SDCRS"}}
	off := &FraudRule{Enabled: false}

	if !all.AppliesTo("PGR") {
		t.Error("rule without modules should apply everywhere")
	}
	if !scoped.AppliesTo("SDCRS") || scoped.AppliesTo("PGR") {
		t.Error("module list not honoured")
	}
	if off.AppliesTo("SDCRS") {
		t.Error("disabled rule should never apply")
	}
}

func TestForcedRecommendationIgnoresInvalid(t *testing.T) {
	rule := &FraudRule{Action: map[string]any{"recommendation": "ESCALATE"}}
	if _, ok := rule.ForcedRecommendation(); ok {
		t.Error("unknown recommendation should not be forced")
	}
}

func TestParseScope(t *testing.T) {
	tests := map[string]Scope{
		"":              ScopeFull,
		"full":          ScopeFull,
		" internal ":    ScopeInternalOnly,
		"EXTERNAL_ONLY": ScopeExternalOnly,
	}
	for in, want := range tests {
		got, err := ParseScope(in)
		if err != nil || got != want {
			t.Errorf("ParseScope(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseScope("both"); err == nil {
		t.Error("expected error for unknown scope")
	}

	if !ScopeFull.Includes(RuleTypeExternal) || ScopeInternalOnly.Includes(RuleTypeExternal) {
		t.Error("scope inclusion wrong")
	}
}

func TestValidatorConfigMerge(t *testing.T) {
	defaults := DefaultValidatorConfig()
	c := ValidatorConfig{TimeoutMs: 800, Retry: RetryPolicy{MaxAttempts: 1}}.Merge(defaults)

	if c.Timeout() != 800*time.Millisecond {
		t.Errorf("explicit timeout overwritten: %v", c.Timeout())
	}
	if c.Retry.MaxAttempts != 1 || c.Retry.BackoffMs != defaults.Retry.BackoffMs {
		t.Errorf("retry merge wrong: %+v", c.Retry)
	}
	if c.Breaker != defaults.Breaker || c.Fallback != defaults.Fallback {
		t.Error("unset policies should come from defaults")
	}

	defaults.EvidencePurposes = []string{"primary"}
	if got := (ValidatorConfig{}).Merge(defaults).EvidencePurposes; len(got) != 1 || got[0] != "primary" {
		t.Errorf("evidence purposes should come from defaults, got %v", got)
	}
	own := ValidatorConfig{EvidencePurposes: []string{"selfie"}}.Merge(defaults)
	if own.EvidencePurposes[0] != "selfie" {
		t.Errorf("explicit evidence purposes overwritten: %v", own.EvidencePurposes)
	}
}

func TestSeverityMultiplier(t *testing.T) {
	tests := map[Severity]int{
		SeverityLow:      1,
		SeverityMedium:   2,
		SeverityHigh:     3,
		SeverityCritical: 4,
		"EXTREME":        1,
	}
	for s, want := range tests {
		if got := s.Multiplier(); got != want {
			t.Errorf("%s.Multiplier() = %d, want %d", s, got, want)
		}
	}
}

func TestRiskScoreConfigJSON(t *testing.T) {
	t.Run("ExplicitZeroKept", func(t *testing.T) {
		var doc RuleDocument
		err := json.Unmarshal([]byte(`{"FraudRules": [], "RiskScoreConfig": {"approveThreshold": 0, "lowRiskThreshold": 0}}`), &doc)
		if err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		cfg := doc.ScoreConfig()
		if cfg.ApproveThreshold != 0 || cfg.LowRiskThreshold != 0 {
			t.Errorf("explicit zero thresholds replaced: %+v", cfg)
		}
		if cfg.ManualReviewThreshold != 50 || cfg.AutoRejectThreshold != 80 || cfg.HighRiskThreshold != 75 {
			t.Errorf("missing thresholds should take defaults: %+v", cfg)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected validation error: %v", err)
		}
	})

	t.Run("MissingFieldsDefaulted", func(t *testing.T) {
		var cfg RiskScoreConfig
		if err := json.Unmarshal([]byte(`{"weights": {"VELOCITY": 20}, "approveThreshold": 10}`), &cfg); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		cfg = cfg.WithDefaults()
		if cfg.ApproveThreshold != 10 || cfg.ManualReviewThreshold != 50 || cfg.MediumRiskThreshold != 50 {
			t.Errorf("unexpected thresholds: %+v", cfg)
		}
		if cfg.Weight("VELOCITY") != 20 || cfg.Weight("OTHER") != DefaultCategoryWeight {
			t.Errorf("unexpected weights: %+v", cfg.Weights)
		}
	})

	t.Run("NullWeights", func(t *testing.T) {
		var cfg RiskScoreConfig
		if err := json.Unmarshal([]byte(`{"weights": null}`), &cfg); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if cfg.Weights == nil {
			t.Error("weights should never decode to nil")
		}
	})

	t.Run("CodeBuiltZeroDefaulted", func(t *testing.T) {
		cfg := RiskScoreConfig{ApproveThreshold: 5}.WithDefaults()
		if cfg.ApproveThreshold != 5 || cfg.AutoRejectThreshold != 80 || cfg.LowRiskThreshold != 25 {
			t.Errorf("unexpected thresholds: %+v", cfg)
		}
	})
}
