// Package validator runs EXTERNAL rules: it calls the rule's remote
// validator under a timeout, retry policy and circuit breaker, interprets
// the predictions with the rule's check expression and falls back to the
// configured policy when the call cannot complete.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expression"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel-validator")

// Orchestrator evaluates EXTERNAL rules. It is safe for concurrent use.
type Orchestrator struct {
	invoker  domain.ValidatorInvoker
	expr     *expression.Evaluator
	defaults domain.ValidatorConfig
	configs  map[string]domain.ValidatorConfig
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source used for expression variables.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator over the given invoker.
func NewOrchestrator(invoker domain.ValidatorInvoker, cfg domain.ValidatorsConfig, expr *expression.Evaluator, opts ...Option) *Orchestrator {
	defaults := cfg.Defaults.Merge(domain.DefaultValidatorConfig())

	configs := make(map[string]domain.ValidatorConfig, len(cfg.Validators))
	for id, v := range cfg.Validators {
		configs[id] = v.Merge(defaults)
	}

	o := &Orchestrator{
		invoker:  invoker,
		expr:     expr,
		defaults: defaults,
		configs:  configs,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective policy for a validator.
func (o *Orchestrator) Config(validatorID string) domain.ValidatorConfig {
	if cfg, ok := o.configs[validatorID]; ok {
		return cfg
	}
	return o.defaults
}

// BreakerState returns the breaker state of a validator. Validators that
// were never called report closed.
func (o *Orchestrator) BreakerState(validatorID string) gobreaker.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[validatorID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (o *Orchestrator) breaker(validatorID string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	cb, ok := o.breakers[validatorID]
	if !ok {
		cb = newBreaker(validatorID, o.Config(validatorID).Breaker)
		o.breakers[validatorID] = cb
	}
	return cb
}

// Validate evaluates one EXTERNAL rule. It never returns an error: failed
// validator calls resolve through the fallback policy.
func (o *Orchestrator) Validate(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest) (result domain.RuleResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("external rule panicked",
				"rule_id", rule.ID,
				"rule_code", rule.Code,
				"panic", r,
			)
			result = domain.NewRuleResult(rule)
			result.Errored = true
			result.Message = fmt.Sprintf("External rule failed: %v", r)
		}
		result.ProcessMs = time.Since(start).Milliseconds()
	}()

	check, ok := rule.Condition.(domain.ExternalCheck)
	if !ok || check.ValidatorID == "" {
		err := &domain.RuleDispatchError{RuleID: rule.ID, Reason: "external rule has no validator"}
		if rule.Condition != nil {
			err.Kind = string(rule.Condition.Kind())
		}
		slog.Warn("external rule not dispatched", "rule_id", rule.ID, "rule_code", rule.Code, "error", err)

		result = domain.NewRuleResult(rule)
		result.Errored = true
		result.Message = "No validator configured"
		result.Details["error"] = err.Error()
		return result
	}

	cfg := o.Config(check.ValidatorID)
	predictions, err := o.call(ctx, check.ValidatorID, cfg, payloadFor(check.ValidatorID, cfg, req))
	if err != nil {
		return o.fallback(rule, check.ValidatorID, cfg.Fallback, err)
	}

	return o.interpret(rule, req, check, predictions)
}

// call runs the validator through timeout, retry and breaker. Each attempt
// passes the breaker on its own, so failed attempts count toward tripping it.
func (o *Orchestrator) call(ctx context.Context, validatorID string, cfg domain.ValidatorConfig, payload *domain.ValidatorPayload) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "validator.invoke",
		trace.WithAttributes(
			attribute.String("validator.id", validatorID),
			attribute.String("application.id", payload.ApplicationID),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.ObserveValidatorDuration(validatorID, time.Since(start))
	}()

	cb := o.breaker(validatorID)
	attempts := 0

	operation := func() (map[string]any, error) {
		attempts++

		out, err := cb.Execute(func() (interface{}, error) {
			return o.attempt(ctx, validatorID, cfg.Timeout(), payload)
		})

		switch {
		case err == nil:
			metrics.RecordValidatorCall(validatorID, metrics.OutcomeSuccess)
			preds, _ := out.(map[string]any)
			return preds, nil
		case isBreakerRejection(err):
			metrics.RecordValidatorCall(validatorID, metrics.OutcomeCircuitOpen)
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err))
		case errors.Is(err, domain.ErrValidatorTimeout):
			metrics.RecordValidatorCall(validatorID, metrics.OutcomeTimeout)
		default:
			metrics.RecordValidatorCall(validatorID, metrics.OutcomeError)
		}

		if ctx.Err() != nil || errors.Is(err, domain.ErrUnknownValidator) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(cfg.Retry), uint64(max(cfg.Retry.MaxAttempts-1, 0))),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		slog.Debug("retrying validator call",
			"validator_id", validatorID,
			"attempt", attempts,
			"backoff_ms", next.Milliseconds(),
			"error", err,
		)
	}

	predictions, err := backoff.RetryNotifyWithData(operation, policy, notify)
	span.SetAttributes(attribute.Int("validator.attempts", attempts))
	if err != nil {
		verr := &domain.ValidatorError{ValidatorID: validatorID, Attempts: attempts, Err: err}
		span.RecordError(verr)
		span.SetStatus(codes.Error, verr.Error())
		return nil, verr
	}
	if predictions == nil {
		predictions = map[string]any{}
	}
	return predictions, nil
}

// attempt performs one bounded invocation.
func (o *Orchestrator) attempt(ctx context.Context, validatorID string, timeout time.Duration, payload *domain.ValidatorPayload) (map[string]any, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	preds, err := o.invoker.Invoke(actx, validatorID, payload)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", domain.ErrValidatorTimeout, timeout)
	}
	return preds, err
}

func newBackoff(p domain.RetryPolicy) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Duration(p.BackoffMs)*time.Millisecond),
		backoff.WithMultiplier(p.BackoffMultiplier),
		backoff.WithMaxInterval(time.Duration(p.MaxBackoffMs)*time.Millisecond),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

func (o *Orchestrator) interpret(rule *domain.FraudRule, req *domain.EvaluationRequest, check domain.ExternalCheck, predictions map[string]any) domain.RuleResult {
	result := domain.NewRuleResult(rule)
	result.Details = map[string]any{
		"validator_id": check.ValidatorID,
		"predictions":  predictions,
	}

	if strings.TrimSpace(check.CheckExpression) == "" {
		result.Message = fmt.Sprintf("Validator %s returned; no check expression configured", check.ValidatorID)
		return result
	}
	result.Details["expression"] = check.CheckExpression

	vars := expression.BuildVars(req, predictions, o.now())
	ok, err := o.expr.EvaluateErr(check.CheckExpression, vars)
	if err != nil {
		slog.Warn("check expression failed",
			"rule_id", rule.ID,
			"rule_code", rule.Code,
			"validator_id", check.ValidatorID,
			"error", err,
		)
		result.Errored = true
		result.Message = fmt.Sprintf("Check expression error: %v", err)
		return result
	}

	if !ok {
		result.Message = fmt.Sprintf("Validator %s check passed", check.ValidatorID)
		return result
	}

	result.Triggered = true
	result.Message = fmt.Sprintf("Validator %s check triggered: %s", check.ValidatorID, check.CheckExpression)
	return result
}

func (o *Orchestrator) fallback(rule *domain.FraudRule, validatorID string, policy domain.FallbackPolicy, err error) domain.RuleResult {
	action := policy.Action
	switch action {
	case domain.FallbackSkip, domain.FallbackDegrade, domain.FallbackDefault:
	default:
		action = domain.FallbackSkip
	}

	slog.Warn("external validation failed, using fallback",
		"rule_id", rule.ID,
		"rule_code", rule.Code,
		"validator_id", validatorID,
		"action", string(action),
		"error", err,
	)
	metrics.RecordFallback(validatorID, string(action))

	result := domain.NewRuleResult(rule)
	result.Errored = true
	result.Details = map[string]any{
		"fallback":     true,
		"action":       string(action),
		"validator_id": validatorID,
		"error":        err.Error(),
	}

	switch action {
	case domain.FallbackDegrade:
		result.NeedsReview = true
		result.Message = "External validation unavailable - manual review required"
	case domain.FallbackDefault:
		result.Triggered = true
		result.Score = max(policy.DefaultScore, 0)
		result.Message = "External validation unavailable - default score applied"
	default:
		result.Message = "External validation unavailable - skipped"
	}
	return result
}

// payloadFor builds the request sent to a validator, keeping only the
// evidence purposes the validator is configured for.
func payloadFor(validatorID string, cfg domain.ValidatorConfig, req *domain.EvaluationRequest) *domain.ValidatorPayload {
	evidences := req.Evidences
	if len(cfg.EvidencePurposes) > 0 {
		evidences = make([]domain.Evidence, 0, len(req.Evidences))
		for _, ev := range req.Evidences {
			if slices.ContainsFunc(cfg.EvidencePurposes, func(p string) bool { return strings.EqualFold(p, ev.Purpose) }) {
				evidences = append(evidences, ev)
			}
		}
	}
	return &domain.ValidatorPayload{
		ValidatorID:    validatorID,
		ApplicationID:  req.ApplicationID,
		TenantID:       req.TenantID,
		Applicant:      req.Applicant,
		Location:       req.Location,
		Evidences:      evidences,
		AdditionalData: req.AdditionalData,
	}
}
