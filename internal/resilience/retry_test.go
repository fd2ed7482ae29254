package resilience

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), "op", fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	cause := errors.New("still down")
	calls := 0
	err := Retry(context.Background(), "op", fastConfig(2), func(context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 2, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	cause := errors.New("token unregistered")
	calls := 0
	err := Retry(context.Background(), "op", fastConfig(5), func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestRetry_AttemptTimeout(t *testing.T) {
	t.Parallel()

	cfg := fastConfig(2)
	cfg.AttemptTimeout = 10 * time.Millisecond
	calls := 0
	err := Retry(context.Background(), "op", cfg, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestRetry_ParentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "op", fastConfig(3), func(context.Context) error {
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}

func TestComputeDelay_CapsAtMax(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10, JitterFraction: 0.1}
	assert.LessOrEqual(t, computeDelay(5, cfg), 2*time.Second)
}

func TestRetry_LogsThroughConfiguredLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := fastConfig(2)
	cfg.Logger = slog.New(slog.NewJSONHandler(&buf, nil))

	calls := 0
	err := Retry(context.Background(), "push-send", cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"operation":"push-send"`)
	assert.Contains(t, buf.String(), "operation failed, retrying")
	assert.Contains(t, buf.String(), "succeeded after retry")
}
