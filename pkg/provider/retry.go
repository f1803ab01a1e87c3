package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cuemby/imagegend/pkg/errdefs"
)

// RetryConfig holds retry parameters for ExecuteWithRetry
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the first try
	MaxRetries int
	// InitialDelay is the base delay for exponential backoff
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// OnRetry is an optional callback invoked before each retry attempt
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns retry parameters suitable for generation
// upstreams, where a single request can legitimately take tens of seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// Classify determines the error kind for retry strategy. Errors already
// carrying a kind pass through; everything else is sniffed from the
// message, the way upstream SDK errors actually surface.
func Classify(err error) errdefs.Kind {
	if err == nil {
		return ""
	}

	var typed *errdefs.Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.Canceled) {
		return errdefs.KindCanceled
	}
	// A per-attempt deadline is a timeout like any other; the next
	// attempt may succeed.
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.KindUpstreamTransient
	}

	errStr := strings.ToLower(err.Error())

	// Network failures and server-side pressure - retryable with backoff
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "tls handshake") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return errdefs.KindUpstreamTransient
	}

	// Permanent upstream verdicts - retrying cannot change the answer
	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "api key") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") ||
		strings.Contains(errStr, "content policy") {
		return errdefs.KindUpstreamRefused
	}

	// Unknown errors are not retried to avoid burning the budget on
	// something that will never succeed
	return errdefs.KindInternal
}

// Backoff returns exponential backoff duration with full jitter
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func Backoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}

	base := time.Duration(1<<uint(attempt)) * initialDelay
	if base > maxDelay || base <= 0 {
		base = maxDelay
	}
	if base <= 0 {
		return 0
	}

	// Full jitter spreads out retries so simultaneous failures do not
	// hammer the upstream in lockstep
	return time.Duration(rand.Int63n(int64(base)))
}

// ExecuteWithRetry runs an operation, retrying classified-transient
// failures with jittered exponential backoff. Permanent failures return
// immediately, carrying their classification. Context cancellation wins
// over everything, including mid-backoff.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.KindCanceled, err, "generation canceled")
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		if kind != errdefs.KindUpstreamTransient {
			return ensureKind(err, kind)
		}
		if attempt == cfg.MaxRetries {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		delay := Backoff(attempt+1, cfg.InitialDelay, cfg.MaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errdefs.Wrap(errdefs.KindCanceled, ctx.Err(), "generation canceled")
		case <-timer.C:
		}
	}

	return errdefs.Wrap(errdefs.KindUpstreamTransient, lastErr,
		fmt.Sprintf("upstream still failing after %d retries", cfg.MaxRetries))
}

// ensureKind attaches a classification to errors that lack one, so
// callers upstream always see a kinded error
func ensureKind(err error, kind errdefs.Kind) error {
	var typed *errdefs.Error
	if errors.As(err, &typed) {
		return err
	}
	return errdefs.Wrap(kind, err, "upstream request failed")
}
