package domain

import (
	"fmt"
	"strings"
	"time"
)

// Scope selects which rule subset an evaluation runs.
type Scope string

const (
	ScopeFull         Scope = "FULL"
	ScopeInternalOnly Scope = "INTERNAL"
	ScopeExternalOnly Scope = "EXTERNAL"
)

// Includes reports whether rules of type t run under this scope.
func (s Scope) Includes(t RuleType) bool {
	switch s {
	case ScopeInternalOnly:
		return t == RuleTypeInternal
	case ScopeExternalOnly:
		return t == RuleTypeExternal
	default:
		return t == RuleTypeInternal || t == RuleTypeExternal
	}
}

// ParseScope maps a scope name to a Scope. The empty string is FULL and
// the _ONLY suffix is optional.
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FULL":
		return ScopeFull, nil
	case "INTERNAL", "INTERNAL_ONLY":
		return ScopeInternalOnly, nil
	case "EXTERNAL", "EXTERNAL_ONLY":
		return ScopeExternalOnly, nil
	}
	return "", fmt.Errorf("unknown evaluation scope %q", s)
}

// RiskLevel is the bucketed interpretation of a total score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the final suggested action.
type Recommendation string

const (
	RecommendApprove      Recommendation = "APPROVE"
	RecommendManualReview Recommendation = "MANUAL_REVIEW"
	RecommendAutoReject   Recommendation = "AUTO_REJECT"
)

// Valid reports whether r is a known recommendation.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendApprove, RecommendManualReview, RecommendAutoReject:
		return true
	}
	return false
}

// RuleResult is the outcome of one rule. Score > 0 implies Triggered.
type RuleResult struct {
	RuleID    string         `json:"ruleId"`
	RuleCode  string         `json:"ruleCode"`
	RuleName  string         `json:"ruleName"`
	Category  string         `json:"category"`
	Severity  Severity       `json:"severity"`
	RuleType  RuleType       `json:"ruleType"`
	Triggered bool           `json:"triggered"`
	Score     int            `json:"score"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`

	// NeedsReview marks a result that could not be decided and must be
	// looked at by a person (validator degraded to manual review).
	NeedsReview bool `json:"needsReview,omitempty"`

	// Errored marks a result converted from a failure rather than a decision.
	Errored   bool  `json:"errored,omitempty"`
	ProcessMs int64 `json:"processMs"`

	// Forced is the recommendation pinned by the rule's action block. It
	// applies only when the result is triggered.
	Forced Recommendation `json:"-"`
}

// NewRuleResult returns a not-triggered result carrying the rule identity.
func NewRuleResult(rule *FraudRule) RuleResult {
	forced, _ := rule.ForcedRecommendation()
	return RuleResult{
		Forced:   forced,
		RuleID:   rule.ID,
		RuleCode: rule.Code,
		RuleName: rule.Name,
		Category: rule.Category,
		Severity: rule.Severity,
		RuleType: rule.RuleType,
		Details:  map[string]any{},
	}
}

// EvaluationResponse is the aggregate outcome of one evaluation call.
type EvaluationResponse struct {
	EvaluationID   string         `json:"evaluationId"`
	ApplicationID  string         `json:"applicationId"`
	TenantID       string         `json:"tenantId"`
	ModuleCode     string         `json:"moduleCode"`
	TotalScore     int            `json:"totalScore"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Recommendation Recommendation `json:"recommendation"`
	RuleResults    []RuleResult   `json:"ruleResults"`
	CategoryScores map[string]int `json:"categoryScores"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
	EvaluationType Scope          `json:"evaluationType"`
	Metadata       EvaluationMeta `json:"metadata"`
}

// EvaluationMeta contains processing information.
type EvaluationMeta struct {
	TraceID        string `json:"traceId,omitempty"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	RulesTriggered int    `json:"rulesTriggered"`
	InternalMs     int64  `json:"internalMs"`
	ExternalMs     int64  `json:"externalMs"`
	TotalMs        int64  `json:"totalMs"`
	EngineVersion  string `json:"engineVersion,omitempty"`
}

// Triggered returns the triggered subset of the rule results.
func (e *EvaluationResponse) Triggered() []RuleResult {
	var out []RuleResult
	for _, r := range e.RuleResults {
		if r.Triggered {
			out = append(out, r)
		}
	}
	return out
}

// Alert summarises the evaluation for TopicEvaluationAlert.
func (e *EvaluationResponse) Alert() AlertMessage {
	return AlertMessage{
		EvaluationID:   e.EvaluationID,
		ApplicationID:  e.ApplicationID,
		TenantID:       e.TenantID,
		TotalScore:     e.TotalScore,
		RiskLevel:      e.RiskLevel,
		Recommendation: e.Recommendation,
		TraceID:        e.Metadata.TraceID,
		Triggered:      e.Triggered(),
		EvaluatedAt:    e.EvaluatedAt,
	}
}

// ShouldAlert reports whether the evaluation needs downstream attention.
func (e *EvaluationResponse) ShouldAlert() bool {
	return e.Recommendation != RecommendApprove
}
