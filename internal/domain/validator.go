package domain

import (
	"context"
	"time"
)

// FallbackAction is what happens to an EXTERNAL rule whose validator call
// cannot complete.
type FallbackAction string

const (
	// FallbackSkip marks the rule not triggered.
	FallbackSkip FallbackAction = "SKIP_RULE"
	// FallbackDegrade flags the evaluation for manual review.
	FallbackDegrade FallbackAction = "DEGRADE_TO_MANUAL"
	// FallbackDefault triggers the rule with a configured score.
	FallbackDefault FallbackAction = "APPLY_DEFAULT"
)

// ValidatorConfig configures one remote validator.
type ValidatorConfig struct {
	Endpoint  string         `json:"endpoint"`
	TimeoutMs int            `json:"timeoutMs"`
	Retry     RetryPolicy    `json:"retry"`
	Breaker   BreakerPolicy  `json:"circuitBreaker"`
	Fallback  FallbackPolicy `json:"fallback"`

	// EvidencePurposes limits the evidence sent to the validator to these
	// purposes. Empty sends every evidence.
	EvidencePurposes []string `json:"evidencePurposes,omitempty"`

	// Predictions are returned by the static invoker.
	Predictions map[string]any `json:"predictions,omitempty"`
}

// RetryPolicy bounds attempts and backoff for one validator call.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMs         int     `json:"backoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffMs      int     `json:"maxBackoffMs"`
}

// BreakerPolicy configures the circuit breaker of a validator.
type BreakerPolicy struct {
	FailureThreshold int `json:"failureThreshold"`
	ResetTimeoutMs   int `json:"resetTimeoutMs"`
	HalfOpenRequests int `json:"halfOpenRequests"`
}

// FallbackPolicy chooses the fallback action and its default score.
type FallbackPolicy struct {
	Action       FallbackAction `json:"action"`
	DefaultScore int            `json:"defaultScore"`
}

// DefaultValidatorConfig returns the policy applied when nothing else is set.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		TimeoutMs: 5000,
		Retry: RetryPolicy{
			MaxAttempts:       3,
			BackoffMs:         1000,
			BackoffMultiplier: 2,
			MaxBackoffMs:      10000,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: 5,
			ResetTimeoutMs:   30000,
			HalfOpenRequests: 1,
		},
		Fallback: FallbackPolicy{Action: FallbackSkip},
	}
}

// Merge returns c with every zero field taken from defaults.
func (c ValidatorConfig) Merge(defaults ValidatorConfig) ValidatorConfig {
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = defaults.TimeoutMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if c.Retry.BackoffMs <= 0 {
		c.Retry.BackoffMs = defaults.Retry.BackoffMs
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = defaults.Retry.BackoffMultiplier
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = defaults.Retry.MaxBackoffMs
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.Breaker.ResetTimeoutMs <= 0 {
		c.Breaker.ResetTimeoutMs = defaults.Breaker.ResetTimeoutMs
	}
	if c.Breaker.HalfOpenRequests <= 0 {
		c.Breaker.HalfOpenRequests = defaults.Breaker.HalfOpenRequests
	}
	if c.Fallback.Action == "" {
		c.Fallback = defaults.Fallback
	}
	if c.EvidencePurposes == nil {
		c.EvidencePurposes = defaults.EvidencePurposes
	}
	if c.Predictions == nil {
		c.Predictions = defaults.Predictions
	}
	return c
}

// Timeout returns the per-attempt timeout.
func (c ValidatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ValidatorPayload is what a remote validator receives.
type ValidatorPayload struct {
	ValidatorID    string         `json:"validatorId"`
	ApplicationID  string         `json:"applicationId"`
	TenantID       string         `json:"tenantId"`
	Applicant      Applicant      `json:"applicant"`
	Location       *Location      `json:"location,omitempty"`
	Evidences      []Evidence     `json:"evidences,omitempty"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// ValidatorInvoker performs one remote validator call. Implementations honor
// ctx cancellation and return a flat prediction map.
type ValidatorInvoker interface {
	Invoke(ctx context.Context, validatorID string, payload *ValidatorPayload) (map[string]any, error)
}
