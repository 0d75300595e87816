// Package metrics holds the Prometheus collectors exported by Kestrel.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_evaluations_total",
		Help: "Evaluations completed, by scope and recommendation",
	}, []string{"scope", "recommendation"})

	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_evaluation_duration_seconds",
		Help:    "End-to-end evaluation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"scope"})

	evaluationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_evaluation_failures_total",
		Help: "Evaluations that could not run, by reason",
	}, []string{"reason"})

	rulesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rules_triggered_total",
		Help: "Triggered rule results, by rule code and category",
	}, []string{"rule_code", "category"})

	ruleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rule_errors_total",
		Help: "Rule results converted from a failure, by rule type",
	}, []string{"rule_type"})

	validatorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_validator_calls_total",
		Help: "Validator attempts, by validator and outcome",
	}, []string{"validator", "outcome"})

	validatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_validator_duration_seconds",
		Help:    "Validator call latency including retries",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"validator"})

	validatorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_validator_fallbacks_total",
		Help: "Fallback policies applied, by validator and action",
	}, []string{"validator", "action"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_circuit_breaker_state",
		Help: "Current state of validator circuit breakers (0=closed, 0.5=half-open, 1=open)",
	}, []string{"validator"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_circuit_breaker_state_changes_total",
		Help: "Circuit breaker state transitions",
	}, []string{"validator", "from", "to"})

	ruleStoreFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rulestore_fetches_total",
		Help: "Rule store refreshes, by result (ok, stale, error)",
	}, []string{"result"})
)

// Outcome labels for validator attempts.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
)

// RecordEvaluation counts a finished evaluation and its latency.
func RecordEvaluation(scope, recommendation string, d time.Duration) {
	evaluationsTotal.WithLabelValues(scope, recommendation).Inc()
	evaluationDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// RecordEvaluationFailure counts an evaluation that failed as a whole.
func RecordEvaluationFailure(reason string) {
	evaluationFailures.WithLabelValues(reason).Inc()
}

// RecordRuleTriggered counts a triggered rule.
func RecordRuleTriggered(code, category string) {
	rulesTriggered.WithLabelValues(code, category).Inc()
}

// RecordRuleError counts a rule result converted from a failure.
func RecordRuleError(ruleType string) {
	ruleErrors.WithLabelValues(ruleType).Inc()
}

// RecordValidatorCall counts one validator attempt.
func RecordValidatorCall(validator, outcome string) {
	validatorCalls.WithLabelValues(validator, outcome).Inc()
}

// ObserveValidatorDuration records the latency of a validator call.
func ObserveValidatorDuration(validator string, d time.Duration) {
	validatorDuration.WithLabelValues(validator).Observe(d.Seconds())
}

// RecordFallback counts an applied fallback policy.
func RecordFallback(validator, action string) {
	validatorFallbacks.WithLabelValues(validator, action).Inc()
}

// SetBreakerState records the current breaker state value.
func SetBreakerState(validator string, value float64) {
	breakerState.WithLabelValues(validator).Set(value)
}

// RecordBreakerTransition counts a state change and updates the gauge.
func RecordBreakerTransition(validator, from, to string, value float64) {
	breakerTransitions.WithLabelValues(validator, from, to).Inc()
	SetBreakerState(validator, value)
}

// RecordRuleStoreFetch counts a rule store refresh.
func RecordRuleStoreFetch(result string) {
	ruleStoreFetches.WithLabelValues(result).Inc()
}

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_http_requests_total",
		Help: "HTTP requests served, by method, route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_http_request_duration_seconds",
		Help:    "HTTP request latency, by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// RecordHTTPRequest counts a served request. route is the router pattern,
// not the raw path, so label cardinality stays bounded.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
