// Package engine evaluates a submission against the active rules of its
// tenant/module and aggregates the results into a recommendation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Version is reported in evaluation metadata.
const Version = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-engine")

// ErrInvalidRequest is returned for requests that cannot be evaluated.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// RuleProvider returns the active rules and scoring configuration of a
// tenant/module.
type RuleProvider interface {
	RulesFor(ctx context.Context, tenantID, module string) ([]domain.FraudRule, domain.RiskScoreConfig, error)
}

// InternalEvaluator evaluates one INTERNAL rule.
type InternalEvaluator interface {
	Evaluate(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest) domain.RuleResult
}

// ExternalValidator evaluates one EXTERNAL rule.
type ExternalValidator interface {
	Validate(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest) domain.RuleResult
}

// Config tunes an Engine.
type Config struct {
	// DefaultModule is used for requests without a module code.
	DefaultModule string

	// MaxWorkers caps concurrently running INTERNAL rules per evaluation.
	// EXTERNAL rules all run at once since each is bounded by its timeout.
	MaxWorkers int

	// Timeout bounds one evaluation; zero means no bound.
	Timeout time.Duration
}

// Engine is the fraud evaluation engine. It is safe for concurrent use.
type Engine struct {
	rules    RuleProvider
	internal InternalEvaluator
	external ExternalValidator
	cfg      Config
	now      func() time.Time
}

// New creates an engine.
func New(rules RuleProvider, internal InternalEvaluator, external ExternalValidator, cfg Config) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.DefaultModule == "" {
		cfg.DefaultModule = "SDCRS"
	}
	return &Engine{
		rules:    rules,
		internal: internal,
		external: external,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Evaluate runs every rule selected by scope. Rule failures become errored
// results; only a missing rule configuration fails the call, as a
// *domain.ConfigurationError.
func (e *Engine) Evaluate(ctx context.Context, req *domain.EvaluationRequest, scope domain.Scope) (*domain.EvaluationResponse, error) {
	start := time.Now()

	if req == nil || req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenantId is required", ErrInvalidRequest)
	}
	if scope == "" {
		scope = domain.ScopeFull
	}
	module := req.ModuleCode
	if module == "" {
		module = e.cfg.DefaultModule
	}

	ctx, span := tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("application.id", req.ApplicationID),
			attribute.String("module", module),
			attribute.String("scope", string(scope)),
		),
	)
	defer span.End()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	rules, scoreCfg, err := e.rules.RulesFor(ctx, req.TenantID, module)
	if err != nil {
		metrics.RecordEvaluationFailure("configuration")
		span.RecordError(err)
		span.SetStatus(codes.Error, "rules unavailable")
		if !domain.IsConfigurationError(err) {
			err = &domain.ConfigurationError{TenantID: req.TenantID, Module: module, Err: err}
		}
		return nil, err
	}

	selected := make([]*domain.FraudRule, 0, len(rules))
	for i := range rules {
		if scope.Includes(ruleTypeOf(&rules[i])) {
			selected = append(selected, &rules[i])
		}
	}

	results, timing := e.run(ctx, selected, req)

	outcome := scoring.NewAggregator(scoreCfg).Aggregate(results)

	for _, r := range results {
		if r.Triggered {
			metrics.RecordRuleTriggered(r.RuleCode, r.Category)
		}
		if r.Errored {
			metrics.RecordRuleError(string(r.RuleType))
		}
	}

	resp := &domain.EvaluationResponse{
		EvaluationID:   uuid.New().String(),
		ApplicationID:  req.ApplicationID,
		TenantID:       req.TenantID,
		ModuleCode:     module,
		TotalScore:     outcome.TotalScore,
		RiskLevel:      outcome.RiskLevel,
		Recommendation: outcome.Recommendation,
		RuleResults:    results,
		CategoryScores: outcome.CategoryScores,
		EvaluatedAt:    e.now().UTC(),
		EvaluationType: scope,
		Metadata: domain.EvaluationMeta{
			RulesEvaluated: len(results),
			RulesTriggered: outcome.RulesTriggered,
			InternalMs:     timing.internal.Milliseconds(),
			ExternalMs:     timing.external.Milliseconds(),
			TotalMs:        time.Since(start).Milliseconds(),
			EngineVersion:  Version,
		},
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		resp.Metadata.TraceID = sc.TraceID().String()
	}

	span.SetAttributes(
		attribute.Int("score", resp.TotalScore),
		attribute.String("recommendation", string(resp.Recommendation)),
	)
	metrics.RecordEvaluation(string(scope), string(resp.Recommendation), time.Since(start))

	slog.Info("evaluation completed",
		"evaluation_id", resp.EvaluationID,
		"tenant_id", resp.TenantID,
		"application_id", resp.ApplicationID,
		"module", module,
		"scope", string(scope),
		"rules_evaluated", resp.Metadata.RulesEvaluated,
		"rules_triggered", resp.Metadata.RulesTriggered,
		"score", resp.TotalScore,
		"recommendation", string(resp.Recommendation),
		"duration_ms", resp.Metadata.TotalMs,
	)

	return resp, nil
}

// DefaultModule is the module used for requests without a module code.
func (e *Engine) DefaultModule() string {
	return e.cfg.DefaultModule
}

// EvaluateInternal evaluates INTERNAL rules only.
func (e *Engine) EvaluateInternal(ctx context.Context, req *domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
	return e.Evaluate(ctx, req, domain.ScopeInternalOnly)
}

// EvaluateExternal evaluates EXTERNAL rules only.
func (e *Engine) EvaluateExternal(ctx context.Context, req *domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
	return e.Evaluate(ctx, req, domain.ScopeExternalOnly)
}

type groupTiming struct {
	internal time.Duration
	external time.Duration
}

// run evaluates the rules with the INTERNAL and EXTERNAL groups running
// side by side. Results keep the order of rules.
func (e *Engine) run(ctx context.Context, rules []*domain.FraudRule, req *domain.EvaluationRequest) ([]domain.RuleResult, groupTiming) {
	results := make([]domain.RuleResult, len(rules))
	var timing groupTiming

	var internalIdx, externalIdx []int
	for i, r := range rules {
		if ruleTypeOf(r) == domain.RuleTypeExternal {
			externalIdx = append(externalIdx, i)
		} else {
			internalIdx = append(internalIdx, i)
		}
	}

	var groups errgroup.Group

	groups.Go(func() error {
		start := time.Now()
		var g errgroup.Group
		g.SetLimit(e.cfg.MaxWorkers)
		for _, idx := range internalIdx {
			g.Go(func() error {
				results[idx] = e.guard(rules[idx], func() domain.RuleResult {
					return e.internal.Evaluate(ctx, rules[idx], req)
				})
				return nil
			})
		}
		g.Wait()
		timing.internal = time.Since(start)
		return nil
	})

	groups.Go(func() error {
		start := time.Now()
		var g errgroup.Group
		for _, idx := range externalIdx {
			g.Go(func() error {
				results[idx] = e.guard(rules[idx], func() domain.RuleResult {
					return e.external.Validate(ctx, rules[idx], req)
				})
				return nil
			})
		}
		g.Wait()
		timing.external = time.Since(start)
		return nil
	})

	groups.Wait()
	return results, timing
}

// guard turns a panic escaping an evaluator into an errored result.
func (e *Engine) guard(rule *domain.FraudRule, fn func() domain.RuleResult) (result domain.RuleResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule evaluation panicked",
				"rule_id", rule.ID,
				"rule_code", rule.Code,
				"panic", r,
			)
			result = domain.NewRuleResult(rule)
			result.Errored = true
			result.Message = fmt.Sprintf("Rule evaluation failed: %v", r)
		}
	}()
	return fn()
}

func ruleTypeOf(r *domain.FraudRule) domain.RuleType {
	if r.RuleType == domain.RuleTypeExternal {
		return domain.RuleTypeExternal
	}
	return domain.RuleTypeInternal
}
