package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/pkg/model"
)

func TestComputeDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  *model.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name: "nil policy", policy: nil, attempt: 1, want: 0,
		},
		{
			name:    "strategy none",
			policy:  &model.RetryPolicy{Strategy: model.RetryNone, InitialDelay: "1s"},
			attempt: 3,
			want:    0,
		},
		{
			name:    "fixed ignores attempt",
			policy:  &model.RetryPolicy{Strategy: model.RetryFixed, InitialDelay: "500ms"},
			attempt: 4,
			want:    500 * time.Millisecond,
		},
		{
			name:    "backoff first attempt",
			policy:  &model.RetryPolicy{Strategy: model.RetryBackoff, InitialDelay: "1s", Multiplier: 2},
			attempt: 1,
			want:    time.Second,
		},
		{
			name:    "backoff second attempt",
			policy:  &model.RetryPolicy{Strategy: model.RetryBackoff, InitialDelay: "1s", Multiplier: 2},
			attempt: 2,
			want:    2 * time.Second,
		},
		{
			name:    "backoff third attempt",
			policy:  &model.RetryPolicy{Strategy: model.RetryBackoff, InitialDelay: "1s", Multiplier: 2},
			attempt: 3,
			want:    4 * time.Second,
		},
		{
			name:    "backoff default multiplier is 2",
			policy:  &model.RetryPolicy{Strategy: model.RetryBackoff, InitialDelay: "1s"},
			attempt: 3,
			want:    4 * time.Second,
		},
		{
			name: "capped at maxDelay",
			policy: &model.RetryPolicy{
				Strategy: model.RetryBackoff, InitialDelay: "1s", Multiplier: 3, MaxDelay: "5s",
			},
			attempt: 4,
			want:    5 * time.Second,
		},
		{
			name:    "empty strategy defaults to backoff",
			policy:  &model.RetryPolicy{InitialDelay: "100ms", Multiplier: 2},
			attempt: 2,
			want:    200 * time.Millisecond,
		},
		{
			name:    "unparseable delay yields zero",
			policy:  &model.RetryPolicy{Strategy: model.RetryBackoff, InitialDelay: "soon"},
			attempt: 1,
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDelay(tt.policy, tt.attempt))
		})
	}
}

func TestRetryEligible(t *testing.T) {
	jq := expressions.NewJQEngine()
	ctx := context.Background()
	matchAll := &model.RetryPolicy{Strategy: model.RetryBackoff, InitialDelay: "1ms"}

	t.Run("configuration errors never retry", func(t *testing.T) {
		ok, err := RetryEligible(ctx, jq, matchAll, model.NewError(model.ErrTypeConfiguration, "bad def"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("default predicate matches all", func(t *testing.T) {
		ok, err := RetryEligible(ctx, jq, matchAll, model.NewError(model.ErrTypeCommunication, "boom"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("strategy none never retries", func(t *testing.T) {
		ok, err := RetryEligible(ctx, jq,
			&model.RetryPolicy{Strategy: model.RetryNone},
			model.NewError(model.ErrTypeCommunication, "boom"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("when predicate gates by status", func(t *testing.T) {
		policy := &model.RetryPolicy{
			Strategy:     model.RetryBackoff,
			InitialDelay: "1ms",
			When:         "$error | .status >= 500",
		}
		ok, err := RetryEligible(ctx, jq, policy, model.NewError(model.ErrTypeCommunication, "boom"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = RetryEligible(ctx, jq, policy, model.NewError(model.ErrTypeTimeout, "slow"))
		require.NoError(t, err)
		assert.False(t, ok, "timeout has status 408, below the predicate's bar")
	})

	t.Run("broken predicate is an expression error", func(t *testing.T) {
		policy := &model.RetryPolicy{
			Strategy:     model.RetryBackoff,
			InitialDelay: "1ms",
			When:         ".status >",
		}
		_, err := RetryEligible(ctx, jq, policy, model.NewError(model.ErrTypeCommunication, "boom"))
		require.Error(t, err)
	})
}

func TestSleepForCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepFor(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAsModelError(t *testing.T) {
	typed := model.NewError(model.ErrTypeValidation, "bad")
	assert.Same(t, typed, AsModelError(typed))

	runtime := AsModelError(assert.AnError)
	assert.Equal(t, model.ErrTypeRuntime, runtime.Type)

	timeout := AsModelError(context.DeadlineExceeded)
	assert.Equal(t, model.ErrTypeTimeout, timeout.Type)
}
