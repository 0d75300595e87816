// Package scoring aggregates rule results into a total score, a risk level
// and a recommendation.
package scoring

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxScore caps the total score.
const MaxScore = 100

// Outcome is the aggregate of one evaluation's rule results.
type Outcome struct {
	TotalScore     int
	CategoryScores map[string]int
	RiskLevel      domain.RiskLevel
	Recommendation domain.Recommendation
	RulesTriggered int
}

// RuleScore returns floor(weight * severityMultiplier / 4).
func RuleScore(weight int, severity domain.Severity) int {
	if weight <= 0 {
		return 0
	}
	return weight * severity.Multiplier() / 4
}

// Aggregator turns rule results into an Outcome using a tenant's scoring
// configuration.
type Aggregator struct {
	cfg domain.RiskScoreConfig
}

// NewAggregator creates an aggregator. Zero thresholds take their defaults.
func NewAggregator(cfg domain.RiskScoreConfig) *Aggregator {
	return &Aggregator{cfg: cfg.WithDefaults()}
}

// Config returns the effective scoring configuration.
func (a *Aggregator) Config() domain.RiskScoreConfig {
	return a.cfg
}

// Aggregate scores results in place and returns the outcome. A triggered
// result without a score gets the score of its category and severity; a
// result that did not trigger always scores zero.
func (a *Aggregator) Aggregate(results []domain.RuleResult) Outcome {
	out := Outcome{CategoryScores: map[string]int{}}

	sum := 0
	critical := false
	forcedReject := false
	forcedReview := false
	needsReview := false

	for i := range results {
		r := &results[i]

		if r.NeedsReview {
			needsReview = true
		}
		if !r.Triggered {
			r.Score = 0
			continue
		}

		if r.Score <= 0 {
			r.Score = RuleScore(a.cfg.Weight(r.Category), r.Severity)
		}

		out.RulesTriggered++
		out.CategoryScores[r.Category] += r.Score
		sum += r.Score

		if r.Severity == domain.SeverityCritical {
			critical = true
		}
		switch r.Forced {
		case domain.RecommendAutoReject:
			forcedReject = true
		case domain.RecommendManualReview:
			forcedReview = true
		}
	}

	out.TotalScore = min(sum, MaxScore)
	out.RiskLevel = a.RiskLevel(out.TotalScore)

	switch {
	case critical || forcedReject || out.TotalScore >= a.cfg.AutoRejectThreshold:
		out.Recommendation = domain.RecommendAutoReject
	case out.TotalScore <= a.cfg.ApproveThreshold && !needsReview && !forcedReview:
		out.Recommendation = domain.RecommendApprove
	default:
		out.Recommendation = domain.RecommendManualReview
	}

	return out
}

// RiskLevel buckets a total score by the first threshold it does not exceed.
func (a *Aggregator) RiskLevel(total int) domain.RiskLevel {
	switch {
	case total <= a.cfg.LowRiskThreshold:
		return domain.RiskLow
	case total <= a.cfg.MediumRiskThreshold:
		return domain.RiskMedium
	case total <= a.cfg.HighRiskThreshold:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// Reasons returns the messages of the triggered results, in order.
func Reasons(results []domain.RuleResult) []string {
	var reasons []string
	for _, r := range results {
		if r.Triggered && r.Message != "" {
			reasons = append(reasons, r.Message)
		}
	}
	return reasons
}
