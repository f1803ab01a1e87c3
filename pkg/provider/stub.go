package provider

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/imaging"
	"github.com/cuemby/imagegend/pkg/types"
)

// Source resolves a provider name to a live adapter. *Registry is the
// production implementation; tests substitute fixed sets.
type Source interface {
	Get(name string) (Provider, error)
}

// StaticSource serves a fixed adapter set, standing in for the registry
// in tests
type StaticSource map[string]Provider

// Get returns the adapter registered under name
func (s StaticSource) Get(name string) (Provider, error) {
	if p, ok := s[name]; ok {
		return p, nil
	}
	return nil, errdefs.Ef(errdefs.KindUnknownProvider, "unknown provider: %s", name)
}

// StubOutcome scripts one Generate call on a Stub
type StubOutcome struct {
	// Err is returned instead of an image when set
	Err error
	// Data overrides the synthesized image bytes
	Data []byte
	// Delay is slept before answering, interruptible by ctx
	Delay time.Duration
}

// Stub is a scriptable in-memory adapter. Each Generate call consumes
// the next outcome; calls beyond the script succeed with a synthesized
// image. It records every params value it sees, in order.
type Stub struct {
	name      string
	optimized string

	mu       sync.Mutex
	outcomes []StubOutcome
	calls    int
	params   []types.GenerateParams
}

// NewStub creates a stub adapter answering as name
func NewStub(name string, outcomes ...StubOutcome) *Stub {
	return &Stub{name: name, outcomes: outcomes}
}

// Name returns the stub's provider identifier
func (s *Stub) Name() string {
	return s.name
}

// Validate applies the shared parameter constraints
func (s *Stub) Validate(params types.GenerateParams) error {
	return ValidateParams(params)
}

// Generate consumes the next scripted outcome. Synthesized images match
// the requested aspect ratio and resolution so dimension assertions see
// realistic values.
func (s *Stub) Generate(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.params = append(s.params, params)
	var outcome StubOutcome
	if idx < len(s.outcomes) {
		outcome = s.outcomes[idx]
	}
	s.mu.Unlock()

	if outcome.Delay > 0 {
		timer := time.NewTimer(outcome.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errdefs.Wrap(errdefs.KindCanceled, ctx.Err(), "generation canceled")
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCanceled, err, "generation canceled")
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	data := outcome.Data
	if data == nil {
		w, h, err := imaging.Dimensions(params.AspectRatio, params.Resolution)
		if err != nil {
			w, h = 64, 64
		}
		data = StubPNG(w, h)
	}
	info, err := imaging.Probe(data)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstreamRefused, err, "stub was scripted with undecodable bytes")
	}

	return &types.GenerateResult{
		Images: []types.GeneratedImage{{
			Data:   data,
			MIME:   info.MIME,
			Width:  info.Width,
			Height: info.Height,
		}},
		Meta: map[string]string{"provider": s.name, "model": params.Model},
	}, nil
}

// OptimizePrompt answers with the configured rewrite, or a marked copy
// of the input when none was set
func (s *Stub) OptimizePrompt(ctx context.Context, model, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errdefs.Wrap(errdefs.KindCanceled, err, "optimization canceled")
	}
	if s.optimized != "" {
		return s.optimized, nil
	}
	return "optimized: " + prompt, nil
}

// SetOptimized scripts the OptimizePrompt response
func (s *Stub) SetOptimized(text string) {
	s.optimized = text
}

// Calls reports how many Generate calls the stub served
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Params returns a copy of every params value Generate received, in
// call order
func (s *Stub) Params() []types.GenerateParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.GenerateParams, len(s.params))
	copy(out, s.params)
	return out
}

// StubPNG synthesizes a small single-color PNG of the given dimensions
func StubPNG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := color.RGBA{R: 90, G: 120, B: 200, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		// Encoding an in-memory RGBA cannot fail with valid bounds
		panic(err)
	}
	return buf.Bytes()
}
