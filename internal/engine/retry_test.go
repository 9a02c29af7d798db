package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_Context(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_Structured(t *testing.T) {
	for _, code := range []string{
		schema.ErrCodeTransient,
		schema.ErrCodeTransport,
		schema.ErrCodeStore,
		schema.ErrCodeTimeout,
	} {
		assert.True(t, IsRetryableError(schema.NewError(code, "test")), "expected %s to be retryable", code)
	}

	for _, code := range []string{
		schema.ErrCodeValidation,
		schema.ErrCodeNotFound,
		schema.ErrCodeConflict,
		schema.ErrCodeCheckpointConflict,
		schema.ErrCodeInvalidTransition,
		schema.ErrCodeCycleDetected,
		schema.ErrCodeCancelled,
		schema.ErrCodeWorkerFailed,
		schema.ErrCodeCircuitOpen,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "test")), "expected %s to be non-retryable", code)
	}
}

func TestIsRetryableError_PlainErrors(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("something went wrong")), "unclassified errors default to retryable")
	for _, p := range []string{"connection refused", "unexpected EOF", "database is locked", "i/o timeout"} {
		assert.True(t, IsRetryableError(errors.New(p)), "expected %q to be retryable", p)
	}
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(RetryPolicy{Backoff: BackoffExponential}, 3), "no delay configured")

	constant := RetryPolicy{Backoff: BackoffConstant, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(constant, 0))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(constant, 4))

	none := RetryPolicy{Backoff: BackoffNone, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(none, 5))

	linear := RetryPolicy{Backoff: BackoffLinear, Delay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(linear, 0))
	assert.Equal(t, 30*time.Millisecond, ComputeBackoff(linear, 2))

	exp := RetryPolicy{Backoff: BackoffExponential, Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(exp, 0))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(exp, 1))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(exp, 2))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(exp, 3), "capped")
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(exp, 60), "capped without overflow")
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -1))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	assert.ErrorIs(t, WaitForBackoff(ctx, 5*time.Second), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Backoff: BackoffConstant}

	calls := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return schema.NewError(schema.ErrCodeTransport, "queue unreachable")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), policy, func(context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeValidation, "bad input")
	})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Equal(t, 1, calls, "non-retryable errors stop immediately")

	calls = 0
	err = Retry(context.Background(), policy, func(context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeStore, "locked")
	})
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
	assert.Equal(t, 3, calls, "attempts are bounded")
}
