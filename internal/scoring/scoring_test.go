package scoring

import (
	"encoding/json"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testConfig() domain.RiskScoreConfig {
	return domain.RiskScoreConfig{
		Weights: map[string]int{
			"VELOCITY":           20,
			"LOCATION":           25,
			"EVIDENCE_INTEGRITY": 30,
			"DUPLICATE":          40,
		},
		ApproveThreshold:      20,
		ManualReviewThreshold: 50,
		AutoRejectThreshold:   80,
		LowRiskThreshold:      25,
		MediumRiskThreshold:   50,
		HighRiskThreshold:     75,
	}
}

func triggered(category string, severity domain.Severity) domain.RuleResult {
	return domain.RuleResult{
		RuleID:    category + "-" + string(severity),
		Category:  category,
		Severity:  severity,
		Triggered: true,
	}
}

func TestRuleScore(t *testing.T) {
	tests := []struct {
		weight   int
		severity domain.Severity
		want     int
	}{
		{20, domain.SeverityHigh, 15},
		{20, domain.SeverityCritical, 20},
		{20, domain.SeverityMedium, 10},
		{20, domain.SeverityLow, 5},
		{25, domain.SeverityHigh, 18},
		{10, domain.SeverityLow, 2},
		{3, domain.SeverityLow, 0},
		{0, domain.SeverityCritical, 0},
		{20, domain.Severity("UNKNOWN"), 5},
	}

	for _, tt := range tests {
		if got := RuleScore(tt.weight, tt.severity); got != tt.want {
			t.Errorf("RuleScore(%d, %s) = %d, want %d", tt.weight, tt.severity, got, tt.want)
		}
	}
}

func TestAggregate(t *testing.T) {
	agg := NewAggregator(testConfig())

	t.Run("NoResults", func(t *testing.T) {
		out := agg.Aggregate(nil)

		if out.TotalScore != 0 {
			t.Errorf("expected score 0, got %d", out.TotalScore)
		}
		if out.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW, got %s", out.RiskLevel)
		}
		if out.Recommendation != domain.RecommendApprove {
			t.Errorf("expected APPROVE, got %s", out.Recommendation)
		}
		if len(out.CategoryScores) != 0 {
			t.Errorf("expected no category scores, got %v", out.CategoryScores)
		}
	})

	t.Run("SingleHighVelocity", func(t *testing.T) {
		results := []domain.RuleResult{triggered("VELOCITY", domain.SeverityHigh)}
		out := agg.Aggregate(results)

		if results[0].Score != 15 {
			t.Errorf("expected rule score 15, got %d", results[0].Score)
		}
		if out.TotalScore != 15 {
			t.Errorf("expected total 15, got %d", out.TotalScore)
		}
		if out.Recommendation != domain.RecommendApprove {
			t.Errorf("expected APPROVE, got %s", out.Recommendation)
		}
		if out.CategoryScores["VELOCITY"] != 15 {
			t.Errorf("expected VELOCITY=15, got %v", out.CategoryScores)
		}
	})

	t.Run("ManualReviewBand", func(t *testing.T) {
		results := []domain.RuleResult{
			triggered("VELOCITY", domain.SeverityHigh),
			triggered("LOCATION", domain.SeverityHigh),
		}
		out := agg.Aggregate(results)

		if out.TotalScore != 33 {
			t.Errorf("expected total 33, got %d", out.TotalScore)
		}
		if out.RiskLevel != domain.RiskMedium {
			t.Errorf("expected MEDIUM, got %s", out.RiskLevel)
		}
		if out.Recommendation != domain.RecommendManualReview {
			t.Errorf("expected MANUAL_REVIEW, got %s", out.Recommendation)
		}
	})

	t.Run("ScoreCappedAt100", func(t *testing.T) {
		var results []domain.RuleResult
		for i := 0; i < 5; i++ {
			results = append(results, triggered("DUPLICATE", domain.SeverityHigh))
		}
		out := agg.Aggregate(results)

		if out.TotalScore != MaxScore {
			t.Errorf("expected capped score %d, got %d", MaxScore, out.TotalScore)
		}
		if out.CategoryScores["DUPLICATE"] != 150 {
			t.Errorf("category scores are not capped, got %d", out.CategoryScores["DUPLICATE"])
		}
		if out.RiskLevel != domain.RiskCritical {
			t.Errorf("expected CRITICAL, got %s", out.RiskLevel)
		}
		if out.Recommendation != domain.RecommendAutoReject {
			t.Errorf("expected AUTO_REJECT, got %s", out.Recommendation)
		}
	})

	t.Run("CriticalSeverityRejectsRegardlessOfScore", func(t *testing.T) {
		cfg := testConfig()
		cfg.Weights["LOW_WEIGHT"] = 4
		results := []domain.RuleResult{triggered("LOW_WEIGHT", domain.SeverityCritical)}

		out := NewAggregator(cfg).Aggregate(results)

		if out.TotalScore != 4 {
			t.Errorf("expected total 4, got %d", out.TotalScore)
		}
		if out.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW, got %s", out.RiskLevel)
		}
		if out.Recommendation != domain.RecommendAutoReject {
			t.Errorf("expected AUTO_REJECT, got %s", out.Recommendation)
		}
	})

	t.Run("UntriggeredCriticalIgnored", func(t *testing.T) {
		r := triggered("DUPLICATE", domain.SeverityCritical)
		r.Triggered = false
		r.Score = 40

		results := []domain.RuleResult{r}
		out := agg.Aggregate(results)

		if results[0].Score != 0 {
			t.Errorf("untriggered result must score 0, got %d", results[0].Score)
		}
		if out.Recommendation != domain.RecommendApprove {
			t.Errorf("expected APPROVE, got %s", out.Recommendation)
		}
	})

	t.Run("PresetScoreKept", func(t *testing.T) {
		r := triggered("EVIDENCE_INTEGRITY", domain.SeverityLow)
		r.Score = 12
		out := agg.Aggregate([]domain.RuleResult{r})

		if out.TotalScore != 12 {
			t.Errorf("expected preset score 12, got %d", out.TotalScore)
		}
	})

	t.Run("UnknownCategoryUsesDefaultWeight", func(t *testing.T) {
		results := []domain.RuleResult{triggered("SOMETHING_NEW", domain.SeverityCritical)}
		agg.Aggregate(results)

		if results[0].Score != domain.DefaultCategoryWeight {
			t.Errorf("expected %d, got %d", domain.DefaultCategoryWeight, results[0].Score)
		}
	})

	t.Run("NeedsReviewBlocksApprove", func(t *testing.T) {
		results := []domain.RuleResult{{RuleID: "EXT-1", Category: "EVIDENCE_INTEGRITY", NeedsReview: true}}
		out := agg.Aggregate(results)

		if out.TotalScore != 0 {
			t.Errorf("expected score 0, got %d", out.TotalScore)
		}
		if out.Recommendation != domain.RecommendManualReview {
			t.Errorf("expected MANUAL_REVIEW, got %s", out.Recommendation)
		}
	})

	t.Run("ForcedRecommendation", func(t *testing.T) {
		r := triggered("VELOCITY", domain.SeverityLow)
		r.Forced = domain.RecommendAutoReject
		out := agg.Aggregate([]domain.RuleResult{r})
		if out.Recommendation != domain.RecommendAutoReject {
			t.Errorf("expected AUTO_REJECT, got %s", out.Recommendation)
		}

		r.Forced = domain.RecommendManualReview
		out = agg.Aggregate([]domain.RuleResult{r})
		if out.Recommendation != domain.RecommendManualReview {
			t.Errorf("expected MANUAL_REVIEW, got %s", out.Recommendation)
		}

		r.Triggered = false
		r.Forced = domain.RecommendAutoReject
		out = agg.Aggregate([]domain.RuleResult{r})
		if out.Recommendation != domain.RecommendApprove {
			t.Errorf("untriggered forced rule must not apply, got %s", out.Recommendation)
		}
	})
}

func TestScoreInvariants(t *testing.T) {
	agg := NewAggregator(testConfig())
	categories := []string{"VELOCITY", "LOCATION", "EVIDENCE_INTEGRITY", "DUPLICATE", "OTHER"}
	severities := []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh}

	for n := 0; n < 12; n++ {
		var results []domain.RuleResult
		want := 0
		for i := 0; i < n; i++ {
			r := triggered(categories[i%len(categories)], severities[i%len(severities)])
			r.Triggered = i%4 != 3
			results = append(results, r)
			if r.Triggered {
				want += RuleScore(agg.Config().Weight(r.Category), r.Severity)
			}
		}

		out := agg.Aggregate(results)

		if out.TotalScore < 0 || out.TotalScore > MaxScore {
			t.Fatalf("n=%d: score %d out of range", n, out.TotalScore)
		}
		if out.TotalScore != min(want, MaxScore) {
			t.Errorf("n=%d: expected %d, got %d", n, min(want, MaxScore), out.TotalScore)
		}
	}
}

func TestRiskLevelMonotonic(t *testing.T) {
	agg := NewAggregator(testConfig())
	rank := map[domain.RiskLevel]int{
		domain.RiskLow:      0,
		domain.RiskMedium:   1,
		domain.RiskHigh:     2,
		domain.RiskCritical: 3,
	}

	prev := agg.RiskLevel(0)
	for score := 1; score <= MaxScore; score++ {
		level := agg.RiskLevel(score)
		if rank[level] < rank[prev] {
			t.Fatalf("risk level decreased at %d: %s -> %s", score, prev, level)
		}
		prev = level
	}

	boundaries := map[int]domain.RiskLevel{
		25: domain.RiskLow,
		26: domain.RiskMedium,
		50: domain.RiskMedium,
		75: domain.RiskHigh,
		76: domain.RiskCritical,
	}
	for score, want := range boundaries {
		if got := agg.RiskLevel(score); got != want {
			t.Errorf("RiskLevel(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	agg := NewAggregator(domain.RiskScoreConfig{})
	cfg := agg.Config()

	if cfg.AutoRejectThreshold != 80 || cfg.ApproveThreshold != 20 {
		t.Errorf("unexpected thresholds: %+v", cfg)
	}

	out := agg.Aggregate([]domain.RuleResult{triggered("X", domain.SeverityHigh)})
	if out.TotalScore != 7 {
		t.Errorf("expected floor(10*3/4)=7, got %d", out.TotalScore)
	}
}

func TestExplicitZeroThresholds(t *testing.T) {
	var cfg domain.RiskScoreConfig
	if err := json.Unmarshal([]byte(`{"approveThreshold": 0, "lowRiskThreshold": 0}`), &cfg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	agg := NewAggregator(cfg)

	out := agg.Aggregate([]domain.RuleResult{{Category: "X", Severity: domain.SeverityLow, Triggered: true, Score: 5}})
	if out.RiskLevel != domain.RiskMedium || out.Recommendation != domain.RecommendManualReview {
		t.Errorf("expected MEDIUM/MANUAL_REVIEW, got %s/%s", out.RiskLevel, out.Recommendation)
	}

	clean := agg.Aggregate(nil)
	if clean.RiskLevel != domain.RiskLow || clean.Recommendation != domain.RecommendApprove {
		t.Errorf("score 0 should still be LOW/APPROVE, got %s/%s", clean.RiskLevel, clean.Recommendation)
	}
}

func TestReasons(t *testing.T) {
	results := []domain.RuleResult{
		{Triggered: true, Message: "High velocity: 6 submissions in 1 hours"},
		{Triggered: false, Message: "Velocity OK: 1 submissions"},
		{Triggered: true, Message: ""},
		{Triggered: true, Message: "Device shared by 3 users"},
	}

	reasons := Reasons(results)
	if len(reasons) != 2 {
		t.Fatalf("expected 2 reasons, got %d", len(reasons))
	}
	if reasons[1] != "Device shared by 3 users" {
		t.Errorf("unexpected reason: %s", reasons[1])
	}
}
