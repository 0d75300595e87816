package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleStoreUnavailable means rules could not be fetched and no snapshot exists.
	ErrRuleStoreUnavailable = errors.New("rule store unavailable")

	// ErrCircuitOpen means a validator call was short-circuited by its breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrValidatorTimeout means a validator call exceeded its timeout.
	ErrValidatorTimeout = errors.New("validator timeout")

	// ErrUnknownValidator means a rule names a validator that is not configured.
	ErrUnknownValidator = errors.New("unknown validator")
)

// ConfigurationError is fatal for an evaluation: the rule store could not
// produce rules for the tenant/module.
type ConfigurationError struct {
	TenantID string
	Module   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration unavailable for tenant %q module %q: %v", e.TenantID, e.Module, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExpressionError is a malformed, unsafe or failing expression.
type ExpressionError struct {
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expression, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// ValidatorError is a remote validator failure after retries.
type ValidatorError struct {
	ValidatorID string
	Attempts    int
	Err         error
}

func (e *ValidatorError) Error() string {
	return fmt.Sprintf("validator %s failed after %d attempt(s): %v", e.ValidatorID, e.Attempts, e.Err)
}

func (e *ValidatorError) Unwrap() error { return e.Err }

// RuleDispatchError is a rule whose condition cannot be dispatched.
type RuleDispatchError struct {
	RuleID string
	Kind   string
	Reason string
}

func (e *RuleDispatchError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
	}
	return fmt.Sprintf("rule %s: condition %s: %s", e.RuleID, e.Kind, e.Reason)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
