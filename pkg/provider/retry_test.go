package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/imagegend/pkg/errdefs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errdefs.Kind
	}{
		{"nil", nil, ""},
		{"typed passes through", errdefs.E(errdefs.KindUpstreamRefused, "blocked"), errdefs.KindUpstreamRefused},
		{"context canceled", context.Canceled, errdefs.KindCanceled},
		{"deadline is transient", context.DeadlineExceeded, errdefs.KindUpstreamTransient},
		{"connection refused", errors.New("dial tcp: connection refused"), errdefs.KindUpstreamTransient},
		{"rate limit", errors.New("429 Too Many Requests"), errdefs.KindUpstreamTransient},
		{"server error", errors.New("unexpected status 503"), errdefs.KindUpstreamTransient},
		{"unauthorized", errors.New("401 unauthorized"), errdefs.KindUpstreamRefused},
		{"safety block", errors.New("request blocked by safety system"), errdefs.KindUpstreamRefused},
		{"unknown", errors.New("something odd"), errdefs.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 800 * time.Millisecond

	assert.Equal(t, time.Duration(0), Backoff(0, initial, max))

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, initial, max)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.Less(t, d, max)
		}
	}
}

func TestExecuteWithRetryEventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errdefs.E(errdefs.KindUpstreamTransient, "overloaded")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetryStopsOnRefusal(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		attempts++
		return errdefs.E(errdefs.KindUpstreamRefused, "content policy")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUpstreamRefused))
}

func TestExecuteWithRetryExhaustsBudget(t *testing.T) {
	retries := 0
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		OnRetry:      func(attempt int, err error) { retries++ },
	}

	attempts := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		attempts++
		return errdefs.E(errdefs.KindUpstreamTransient, "timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // first try + 2 retries
	assert.Equal(t, 2, retries)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUpstreamTransient))
}

func TestExecuteWithRetryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := ExecuteWithRetry(ctx, DefaultRetryConfig(), func() error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, attempts)
	assert.True(t, errdefs.IsKind(err, errdefs.KindCanceled))
}

func TestExecuteWithRetryCanceledMidBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second}

	done := make(chan error, 1)
	go func() {
		done <- ExecuteWithRetry(ctx, cfg, func() error {
			return errdefs.E(errdefs.KindUpstreamTransient, "unavailable")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindCanceled))
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestEnsureKindKeepsTypedErrors(t *testing.T) {
	typed := errdefs.E(errdefs.KindUpstreamRefused, "blocked")
	assert.Equal(t, typed, ensureKind(typed, errdefs.KindInternal))

	plain := errors.New("plain")
	wrapped := ensureKind(plain, errdefs.KindUpstreamRefused)
	assert.True(t, errdefs.IsKind(wrapped, errdefs.KindUpstreamRefused))
	assert.True(t, errors.Is(wrapped, plain))
}
