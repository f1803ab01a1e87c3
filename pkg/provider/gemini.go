package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/imaging"
	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/types"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// defaultGeminiTextModel handles prompt optimization when the provider
// config does not name one
const defaultGeminiTextModel = "gemini-2.0-flash"

// Gemini adapts the Gemini generateContent API. Image requests and the
// prompt optimizer share one wire format; only the model differs.
type Gemini struct {
	cfg    types.ProviderConfig
	client *http.Client
}

// NewGemini creates a Gemini adapter from its provider configuration
func NewGemini(cfg types.ProviderConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.Ef(errdefs.KindInvalidParams, "provider %s has no API key", cfg.Name)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	return &Gemini{
		cfg: cfg,
		// Deadlines come from the per-attempt context, not the client
		client: &http.Client{},
	}, nil
}

// Name returns the provider identifier
func (g *Gemini) Name() string {
	return g.cfg.Name
}

// Validate checks params without touching the network
func (g *Gemini) Validate(params types.GenerateParams) error {
	return ValidateParams(params)
}

// Generate runs one generation request with retries
func (g *Gemini) Generate(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error) {
	if err := g.Validate(params); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderRequestDuration, g.cfg.Name)

	var result *types.GenerateResult
	err := ExecuteWithRetry(ctx, retryConfigFor(g.cfg.Name, g.cfg.MaxRetries), func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeoutFor(g.cfg))
		defer cancel()

		res, err := g.generateOnce(attemptCtx, params)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gemini) generateOnce(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error) {
	parts := []geminiPart{{Text: params.Prompt}}
	for _, ref := range params.RefImages {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MIMEType: ref.MIME,
				Data:     base64.StdEncoding.EncodeToString(ref.Data),
			},
		})
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig: &geminiImageConfig{
				AspectRatio: string(params.AspectRatio),
				ImageSize:   string(params.Resolution),
			},
		},
	}

	var resp geminiResponse
	if err := g.post(ctx, g.modelURL(params.Model), reqBody, &resp); err != nil {
		return nil, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, errdefs.Ef(errdefs.KindUpstreamRefused, "gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason)
	}

	var images []types.GeneratedImage
	var finishReason string
	for _, candidate := range resp.Candidates {
		finishReason = candidate.FinishReason
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindUpstreamRefused, err, "gemini returned undecodable image data")
			}
			info, err := imaging.Probe(data)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindUpstreamRefused, err, "gemini returned an unsupported image format")
			}
			images = append(images, types.GeneratedImage{
				Data:   data,
				MIME:   info.MIME,
				Width:  info.Width,
				Height: info.Height,
			})
		}
	}

	if len(images) == 0 {
		if finishReason != "" && finishReason != "STOP" {
			return nil, errdefs.Ef(errdefs.KindUpstreamRefused, "gemini refused the request: %s", finishReason)
		}
		return nil, errdefs.E(errdefs.KindUpstreamRefused, "gemini returned no images")
	}

	return &types.GenerateResult{
		Images: images,
		Meta:   map[string]string{"provider": g.cfg.Name, "model": params.Model},
	}, nil
}

// OptimizePrompt rewrites a prompt using the requested text model,
// falling back to the configured optimizer model
func (g *Gemini) OptimizePrompt(ctx context.Context, model, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errdefs.E(errdefs.KindInvalidParams, "prompt must not be empty")
	}

	if model == "" {
		model = g.cfg.Extra["optimizerModel"]
	}
	if model == "" {
		model = defaultGeminiTextModel
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: optimizeInstruction + "\n\n" + prompt},
		}}},
	}

	var optimized string
	err := ExecuteWithRetry(ctx, retryConfigFor(g.cfg.Name, g.cfg.MaxRetries), func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeoutFor(g.cfg))
		defer cancel()

		var resp geminiResponse
		if err := g.post(attemptCtx, g.modelURL(model), reqBody, &resp); err != nil {
			return err
		}

		var sb strings.Builder
		for _, candidate := range resp.Candidates {
			for _, part := range candidate.Content.Parts {
				sb.WriteString(part.Text)
			}
		}
		optimized = strings.TrimSpace(sb.String())
		if optimized == "" {
			return errdefs.E(errdefs.KindUpstreamRefused, "gemini returned an empty optimization")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return optimized, nil
}

func (g *Gemini) modelURL(model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimSuffix(g.cfg.BaseURL, "/"), model)
}

func (g *Gemini) post(ctx context.Context, url string, reqBody any, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to encode gemini request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to build gemini request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return err // classified by the retry loop
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamTransient, err, "failed to read gemini response")
	}

	if resp.StatusCode != http.StatusOK {
		return upstreamStatusError("gemini", resp.StatusCode, geminiErrorMessage(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamRefused, err, "gemini returned malformed JSON")
	}
	return nil
}

func geminiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *geminiFeedback   `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}
