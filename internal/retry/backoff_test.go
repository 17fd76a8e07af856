package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsFirstAttempt(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustsAttempts(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("always fails")
	})

	require.Error(t, err)
	// MaxRetries retries after the first attempt.
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.ErrorContains(t, err, "always fails")
}

func TestRetryer_PermanentErrorStopsImmediately(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())

	calls := 0
	sentinel := errors.New("bad input")
	err := r.Do(context.Background(), func() error {
		calls++
		return Permanent(sentinel)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryer_ContextCancelStopsRetries(t *testing.T) {
	policy := fastPolicy(10)
	policy.InitialDelay = time.Hour
	policy.Jitter = false
	r := New(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		return errors.New("keep failing")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	policy := fastPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, zap.NewNop())

	_ = r.Do(context.Background(), func() error {
		return errors.New("nope")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryer_ZeroRetriesMeansSingleAttempt(t *testing.T) {
	r := New(fastPolicy(0), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoTyped_ReturnsResult(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	result, err := DoTyped(r, context.Background(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 2, calls)
}

func TestDoTyped_ZeroValueOnError(t *testing.T) {
	r := New(fastPolicy(0), zap.NewNop())

	result, err := DoTyped(r, context.Background(), func() (int, error) {
		return 42, errors.New("discarded")
	})

	require.Error(t, err)
	assert.Zero(t, result)
}

func TestPermanent_NilPassthrough(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestPolicy_InvalidFieldsClamped(t *testing.T) {
	r := New(&Policy{MaxRetries: -5, Multiplier: 0.1}, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
