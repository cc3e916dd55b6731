package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/pkg/model"
)

const defaultMultiplier = 2.0

// ComputeDelay calculates the delay before retry attempt n (1-based, the
// attempt about to run being n+1). Strategy fixed always yields the initial
// delay; backoff yields initialDelay * multiplier^(attempt-1), capped at
// maxDelay.
func ComputeDelay(policy *model.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Strategy == model.RetryNone {
		return 0
	}

	base, err := time.ParseDuration(policy.InitialDelay)
	if err != nil || base <= 0 {
		return 0
	}

	delay := base
	if policy.Strategy != model.RetryFixed {
		multiplier := policy.Multiplier
		if multiplier <= 0 {
			multiplier = defaultMultiplier
		}
		scaled := float64(base) * math.Pow(multiplier, float64(attempt-1))
		if scaled > float64(math.MaxInt64) {
			scaled = float64(math.MaxInt64)
		}
		delay = time.Duration(scaled)
	}

	if policy.MaxDelay != "" {
		if maxDelay, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// RetryEligible decides whether a raised error qualifies for another attempt
// under the policy. Configuration errors are never retried; they indicate a
// static definition defect. For every other type eligibility is controlled
// entirely by the policy's when predicate (default: match-all), evaluated
// with the error bound as both the root and the error variable.
func RetryEligible(ctx context.Context, engine expressions.Engine, policy *model.RetryPolicy, raised *model.Error) (bool, error) {
	if policy == nil || policy.Strategy == model.RetryNone {
		return false, nil
	}
	if raised.IsType(model.ErrTypeConfiguration) {
		return false, nil
	}
	if policy.When == "" {
		return true, nil
	}

	errData := raised.AsMap()
	result, err := engine.Evaluate(ctx, expressions.Normalize(policy.When), errData,
		map[string]any{expressions.VarError: errData})
	if err != nil {
		return false, model.NewErrorf(model.ErrTypeExpression,
			"retry when predicate failed: %v", err).WithCause(err)
	}
	return expressions.Truthy(result), nil
}

// SleepFor waits out a retry or wait delay, returning early with the context
// error on cancellation.
func SleepFor(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsModelError coerces any error into the structured taxonomy. Engine
// internals and executor failures that are not already typed become Runtime
// errors; context cancellation stays recognizable through the cause chain.
func AsModelError(err error) *model.Error {
	var typed *model.Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewErrorf(model.ErrTypeTimeout, "%v", err).WithCause(err)
	}
	return model.NewErrorf(model.ErrTypeRuntime, "%v", err).WithCause(err)
}
