package domain

import (
	"encoding/json"
	"fmt"
)

// DefaultCategoryWeight is used for categories missing from Weights.
const DefaultCategoryWeight = 10

// RiskScoreConfig holds the tenant scoring parameters: category weights,
// action thresholds and risk-level thresholds.
type RiskScoreConfig struct {
	Weights              map[string]int    `json:"weights"`
	CategoryDescriptions map[string]string `json:"categoryDescriptions,omitempty"`
	DefaultWeight        int               `json:"defaultWeight,omitempty"`

	ApproveThreshold      int `json:"approveThreshold"`
	ManualReviewThreshold int `json:"manualReviewThreshold"`
	AutoRejectThreshold   int `json:"autoRejectThreshold"`

	LowRiskThreshold    int `json:"lowRiskThreshold"`
	MediumRiskThreshold int `json:"mediumRiskThreshold"`
	HighRiskThreshold   int `json:"highRiskThreshold"`

	// decoded marks a config read from JSON, whose missing fields already
	// hold their defaults and whose zero thresholds are explicit.
	decoded bool
}

// UnmarshalJSON decodes over the defaults, so only fields absent from the
// document take a default value and an explicit 0 threshold is kept.
func (c *RiskScoreConfig) UnmarshalJSON(data []byte) error {
	type plain RiskScoreConfig
	cfg := plain(DefaultRiskScoreConfig())
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	*c = RiskScoreConfig(cfg)
	if c.Weights == nil {
		c.Weights = map[string]int{}
	}
	c.decoded = true
	return nil
}

// DefaultRiskScoreConfig returns the scoring defaults used when a rule
// document carries no RiskScoreConfig.
func DefaultRiskScoreConfig() RiskScoreConfig {
	return RiskScoreConfig{
		Weights:               map[string]int{},
		DefaultWeight:         DefaultCategoryWeight,
		ApproveThreshold:      20,
		ManualReviewThreshold: 50,
		AutoRejectThreshold:   80,
		LowRiskThreshold:      25,
		MediumRiskThreshold:   50,
		HighRiskThreshold:     75,
	}
}

// WithDefaults fills zero-valued thresholds and weights of a config built
// in code. A decoded config is returned as is.
func (c RiskScoreConfig) WithDefaults() RiskScoreConfig {
	d := DefaultRiskScoreConfig()
	if c.Weights == nil {
		c.Weights = d.Weights
	}
	if c.decoded {
		return c
	}
	if c.DefaultWeight == 0 {
		c.DefaultWeight = d.DefaultWeight
	}
	if c.ApproveThreshold == 0 {
		c.ApproveThreshold = d.ApproveThreshold
	}
	if c.ManualReviewThreshold == 0 {
		c.ManualReviewThreshold = d.ManualReviewThreshold
	}
	if c.AutoRejectThreshold == 0 {
		c.AutoRejectThreshold = d.AutoRejectThreshold
	}
	if c.LowRiskThreshold == 0 {
		c.LowRiskThreshold = d.LowRiskThreshold
	}
	if c.MediumRiskThreshold == 0 {
		c.MediumRiskThreshold = d.MediumRiskThreshold
	}
	if c.HighRiskThreshold == 0 {
		c.HighRiskThreshold = d.HighRiskThreshold
	}
	return c
}

// Weight returns the weight of a category.
func (c RiskScoreConfig) Weight(category string) int {
	if w, ok := c.Weights[category]; ok {
		return w
	}
	if c.DefaultWeight > 0 {
		return c.DefaultWeight
	}
	return DefaultCategoryWeight
}

// Validate checks that both threshold triples are monotonically increasing.
func (c RiskScoreConfig) Validate() error {
	if c.ApproveThreshold > c.ManualReviewThreshold || c.ManualReviewThreshold > c.AutoRejectThreshold {
		return fmt.Errorf("score thresholds must satisfy approve <= manualReview <= autoReject, got %d/%d/%d",
			c.ApproveThreshold, c.ManualReviewThreshold, c.AutoRejectThreshold)
	}
	if c.LowRiskThreshold > c.MediumRiskThreshold || c.MediumRiskThreshold > c.HighRiskThreshold {
		return fmt.Errorf("risk thresholds must satisfy low <= medium <= high, got %d/%d/%d",
			c.LowRiskThreshold, c.MediumRiskThreshold, c.HighRiskThreshold)
	}
	for category, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("category %q has negative weight %d", category, w)
		}
	}
	return nil
}

// RuleDocument is the configuration document for one tenant/module.
type RuleDocument struct {
	FraudRules      []FraudRule      `json:"FraudRules"`
	RiskScoreConfig *RiskScoreConfig `json:"RiskScoreConfig,omitempty"`
}

// ScoreConfig returns the document's scoring config with defaults applied.
func (d *RuleDocument) ScoreConfig() RiskScoreConfig {
	if d == nil || d.RiskScoreConfig == nil {
		return DefaultRiskScoreConfig()
	}
	return d.RiskScoreConfig.WithDefaults()
}
