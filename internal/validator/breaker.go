package validator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

func newBreaker(validatorID string, policy domain.BreakerPolicy) *gobreaker.CircuitBreaker {
	threshold := uint32(max(policy.FailureThreshold, 1))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        validatorID,
		MaxRequests: uint32(max(policy.HalfOpenRequests, 1)),
		Timeout:     time.Duration(policy.ResetTimeoutMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"validator_id", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.RecordBreakerTransition(name, from.String(), to.String(), stateValue(to))
		},
		IsSuccessful: countsAsSuccess,
	})
	metrics.SetBreakerState(validatorID, stateValue(cb.State()))
	return cb
}

// countsAsSuccess keeps configuration mistakes and caller cancellation
// from tripping the breaker.
func countsAsSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrUnknownValidator) ||
		errors.Is(err, context.Canceled)
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 0.5
	case gobreaker.StateOpen:
		return 1
	default:
		return -1
	}
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
