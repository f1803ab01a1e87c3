package provider

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/types"
)

// Provider is the uniform adapter surface over an upstream generation
// service. Implementations are safe for concurrent use.
type Provider interface {
	// Name returns the stable provider identifier
	Name() string
	// Validate checks params without touching the network
	Validate(params types.GenerateParams) error
	// Generate submits one request to the upstream and returns decoded
	// image bytes. Errors carry a kind from pkg/errdefs.
	Generate(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error)
}

// PromptOptimizer is implemented by adapters whose upstream also exposes
// a text model usable for prompt rewriting. An empty model falls back to
// the provider's configured optimizer model.
type PromptOptimizer interface {
	OptimizePrompt(ctx context.Context, model, prompt string) (string, error)
}

const (
	// DefaultTimeoutSeconds bounds one upstream attempt when the
	// provider config does not say otherwise
	DefaultTimeoutSeconds = 120

	// DefaultMaxRetries applies when the provider config does not set a
	// retry budget
	DefaultMaxRetries = 3
)

// New builds an adapter for a provider configuration. Names beginning
// with "gemini" speak the Gemini REST dialect; everything else is
// treated as OpenAI-compatible, which covers the official API and the
// self-hosted proxies that mimic it.
func New(cfg types.ProviderConfig) (Provider, error) {
	if cfg.Name == "" {
		return nil, errdefs.E(errdefs.KindInvalidParams, "provider name must not be empty")
	}

	if strings.HasPrefix(strings.ToLower(cfg.Name), "gemini") {
		return NewGemini(cfg)
	}
	return NewOpenAI(cfg)
}

// ValidateParams applies the constraints shared by every adapter
func ValidateParams(params types.GenerateParams) error {
	if strings.TrimSpace(params.Prompt) == "" {
		return errdefs.E(errdefs.KindInvalidParams, "prompt must not be empty")
	}
	if params.Model == "" {
		return errdefs.E(errdefs.KindInvalidParams, "model_id is required")
	}
	if !params.AspectRatio.Valid() {
		return errdefs.Ef(errdefs.KindInvalidParams, "unsupported aspect ratio: %s", params.AspectRatio)
	}
	if !params.Resolution.Valid() {
		return errdefs.Ef(errdefs.KindInvalidParams, "unsupported resolution: %s", params.Resolution)
	}
	if params.Count < types.MinImageCount || params.Count > types.MaxImageCount {
		return errdefs.Ef(errdefs.KindInvalidParams, "count must be within [%d,%d], got %d",
			types.MinImageCount, types.MaxImageCount, params.Count)
	}
	return nil
}

// timeoutFor resolves the per-attempt deadline from a provider config
func timeoutFor(cfg types.ProviderConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// retryConfigFor builds the adapter retry policy, wiring the retry
// counter and a structured log line into the OnRetry hook
func retryConfigFor(name string, maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	cfg.OnRetry = func(attempt int, err error) {
		metrics.ProviderRetries.WithLabelValues(name).Inc()
		logger := log.WithProvider(name)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Retrying upstream request")
	}
	return cfg
}
