// Package rules evaluates INTERNAL fraud rules against a submission using
// only local data and the shared trackers.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expression"
	"github.com/opensource-finance/kestrel/internal/tracker"
)

// Evaluator dispatches each internal rule to its condition handler.
// It is safe for concurrent use.
type Evaluator struct {
	trackers domain.Trackers
	expr     *expression.Evaluator
	now      func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an internal rule evaluator.
func NewEvaluator(trackers domain.Trackers, expr *expression.Evaluator, opts ...Option) *Evaluator {
	e := &Evaluator{
		trackers: trackers,
		expr:     expr,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one rule. It never panics and never returns an error:
// failures come back as a not-triggered result flagged Errored.
func (e *Evaluator) Evaluate(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest) (result domain.RuleResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule evaluation panicked",
				"rule_id", rule.ID,
				"rule_code", rule.Code,
				"panic", r,
			)
			result = failed(rule, fmt.Sprintf("Rule evaluation failed: %v", r))
		}
		result.ProcessMs = time.Since(start).Milliseconds()
	}()

	return e.dispatch(ctx, rule, req, e.now())
}

func (e *Evaluator) dispatch(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, now time.Time) domain.RuleResult {
	switch c := rule.Condition.(type) {
	case domain.NullCheck:
		return nullCheck(rule, req, c)
	case domain.GeoBoundary:
		return geoBoundary(rule, req, c)
	case domain.GeoDistance:
		return geoDistance(rule, req, c)
	case domain.TimestampAge:
		return timestampAge(rule, req, c, now)
	case domain.TimestampDiff:
		return timestampDiff(rule, req, c)
	case domain.MetadataCheck:
		return metadataCheck(rule, req, c)
	case domain.TimeWindow:
		return timeWindow(rule, c, now)
	case domain.CustomExpression:
		return e.custom(rule, req, c, now)
	case domain.Velocity:
		return e.velocity(ctx, rule, req, c, now)
	case domain.AggregateCount:
		return e.aggregateCount(ctx, rule, req, c, now)
	case domain.Interval:
		return e.interval(ctx, rule, req, c, now)
	case domain.HashMatch:
		return e.hashMatch(ctx, rule, req)
	case domain.ImageSimilarity:
		return e.imageSimilarity(ctx, rule, req, c)
	case domain.DeviceSharing:
		return e.deviceSharing(ctx, rule, req, c)
	case domain.GeoCluster:
		return e.geoCluster(ctx, rule, req, c, now)
	case domain.GPSVelocity:
		return e.gpsVelocity(ctx, rule, req, c, now)
	case domain.ExternalCheck:
		return dispatchError(rule, string(c.Kind()), "external condition cannot run as an internal rule")
	case domain.UnknownCondition:
		reason := c.Reason
		if reason == "" {
			reason = "unsupported condition type"
		}
		return dispatchError(rule, c.Type, reason)
	case nil:
		return dispatchError(rule, "", "condition is missing")
	default:
		return dispatchError(rule, string(c.Kind()), "no handler for condition")
	}
}

// Validate checks that a rule can be evaluated: the condition kind is
// known and its parameters are usable.
func (e *Evaluator) Validate(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	switch c := rule.Condition.(type) {
	case nil:
		return &domain.RuleDispatchError{RuleID: rule.ID, Reason: "condition is missing"}
	case domain.UnknownCondition:
		return &domain.RuleDispatchError{RuleID: rule.ID, Kind: c.Type, Reason: c.Reason}
	case domain.CustomExpression:
		if err := e.expr.Validate(c.Expression); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	case domain.ExternalCheck:
		if c.ValidatorID == "" {
			return fmt.Errorf("rule %s: validatorId is required", rule.ID)
		}
		if err := e.expr.Validate(c.CheckExpression); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	case domain.TimeWindow:
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("rule %s: invalid timezone %q: %w", rule.ID, c.Timezone, err)
		}
		for _, w := range c.AllowedWindows {
			if _, _, err := parseWindow(w); err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}
	case domain.ImageSimilarity:
		if c.Threshold < tracker.MinIndexedSimilarity || c.Threshold > 1 {
			return fmt.Errorf("rule %s: threshold %.2f outside [%.4f, 1]", rule.ID, c.Threshold, tracker.MinIndexedSimilarity)
		}
	case domain.NullCheck:
		if c.Field == "" {
			return fmt.Errorf("rule %s: field is required", rule.ID)
		}
	case domain.MetadataCheck:
		if c.Field == "" {
			return fmt.Errorf("rule %s: field is required", rule.ID)
		}
	}

	wantType := domain.RuleTypeInternal
	if _, ok := rule.Condition.(domain.ExternalCheck); ok {
		wantType = domain.RuleTypeExternal
	}
	if rule.RuleType != wantType {
		return fmt.Errorf("rule %s: %s condition requires ruleType %s", rule.ID, rule.Condition.Kind(), wantType)
	}
	return nil
}

func triggered(rule *domain.FraudRule, message string, details map[string]any) domain.RuleResult {
	r := domain.NewRuleResult(rule)
	r.Triggered = true
	r.Message = message
	if details != nil {
		r.Details = details
	}
	return r
}

func passed(rule *domain.FraudRule, message string) domain.RuleResult {
	r := domain.NewRuleResult(rule)
	r.Message = message
	return r
}

func failed(rule *domain.FraudRule, message string) domain.RuleResult {
	r := passed(rule, message)
	r.Errored = true
	return r
}

func dispatchError(rule *domain.FraudRule, kind, reason string) domain.RuleResult {
	err := &domain.RuleDispatchError{RuleID: rule.ID, Kind: kind, Reason: reason}
	slog.Warn("rule condition not dispatched",
		"rule_id", rule.ID,
		"rule_code", rule.Code,
		"error", err,
	)

	r := failed(rule, fmt.Sprintf("Unknown condition type: %s", kind))
	if kind == "" {
		r.Message = "Condition missing"
	}
	r.Details = map[string]any{"error": err.Error()}
	return r
}

func trackerError(rule *domain.FraudRule, err error) domain.RuleResult {
	slog.Warn("tracker unavailable",
		"rule_id", rule.ID,
		"rule_code", rule.Code,
		"error", err,
	)
	r := failed(rule, "Tracker unavailable")
	r.Details = map[string]any{"error": err.Error()}
	return r
}

// metadataField turns "metadata.gpsLatitude" or "evidences.metadata.gpsLatitude"
// into "gpsLatitude".
func metadataField(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
