package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/imaging"
	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/types"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// defaultOpenAITextModel handles prompt optimization when the provider
// config does not name one
const defaultOpenAITextModel = "gpt-4o-mini"

// OpenAI adapts the OpenAI images API and the self-hosted proxies that
// speak the same dialect. Plain generations go through /images/generations
// as JSON; requests with reference images go through /images/edits as
// multipart, which is how the upstream accepts input images.
type OpenAI struct {
	cfg    types.ProviderConfig
	client *http.Client
}

// NewOpenAI creates an OpenAI-compatible adapter from its provider
// configuration
func NewOpenAI(cfg types.ProviderConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.Ef(errdefs.KindInvalidParams, "provider %s has no API key", cfg.Name)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{
		cfg: cfg,
		// Deadlines come from the per-attempt context, not the client
		client: &http.Client{},
	}, nil
}

// Name returns the provider identifier
func (o *OpenAI) Name() string {
	return o.cfg.Name
}

// Validate checks params without touching the network
func (o *OpenAI) Validate(params types.GenerateParams) error {
	return ValidateParams(params)
}

// Generate runs one generation request with retries
func (o *OpenAI) Generate(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error) {
	if err := o.Validate(params); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderRequestDuration, o.cfg.Name)

	var result *types.GenerateResult
	err := ExecuteWithRetry(ctx, retryConfigFor(o.cfg.Name, o.cfg.MaxRetries), func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeoutFor(o.cfg))
		defer cancel()

		var (
			res *types.GenerateResult
			err error
		)
		if len(params.RefImages) > 0 {
			res, err = o.editOnce(attemptCtx, params)
		} else {
			res, err = o.generateOnce(attemptCtx, params)
		}
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

func (o *OpenAI) generateOnce(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error) {
	reqBody := openaiImageRequest{
		Model:          params.Model,
		Prompt:         params.Prompt,
		N:              params.Count,
		Size:           sizeParam(params),
		ResponseFormat: "b64_json",
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to encode openai request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint("/images/generations"), bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to build openai request")
	}
	req.Header.Set("Content-Type", "application/json")

	var resp openaiImageResponse
	if err := o.do(req, &resp); err != nil {
		return nil, err
	}
	return o.decodeImages(ctx, resp, params.Model)
}

func (o *OpenAI) editOnce(ctx context.Context, params types.GenerateParams) (*types.GenerateResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":           params.Model,
		"prompt":          params.Prompt,
		"n":               fmt.Sprintf("%d", params.Count),
		"size":            sizeParam(params),
		"response_format": "b64_json",
	}
	for key, value := range fields {
		if err := mw.WriteField(key, value); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to encode openai form field")
		}
	}

	// The upstream takes a bare "image" field for one input and the
	// array form for several
	fieldName := "image"
	if len(params.RefImages) > 1 {
		fieldName = "image[]"
	}
	for i, ref := range params.RefImages {
		ext := imaging.ExtForMIME(ref.MIME)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename="ref_%d.%s"`, fieldName, i, ext))
		header.Set("Content-Type", ref.MIME)

		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to encode openai image part")
		}
		if _, err := part.Write(ref.Data); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to write openai image part")
		}
	}
	if err := mw.Close(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to finish openai form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint("/images/edits"), &buf)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to build openai request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp openaiImageResponse
	if err := o.do(req, &resp); err != nil {
		return nil, err
	}
	return o.decodeImages(ctx, resp, params.Model)
}

// decodeImages turns the response payload into probed image bytes. Some
// proxies ignore response_format and answer with URLs, so those are
// fetched before probing.
func (o *OpenAI) decodeImages(ctx context.Context, resp openaiImageResponse, model string) (*types.GenerateResult, error) {
	if len(resp.Data) == 0 {
		return nil, errdefs.E(errdefs.KindUpstreamRefused, "openai returned no images")
	}

	var images []types.GeneratedImage
	for _, entry := range resp.Data {
		var data []byte
		switch {
		case entry.B64JSON != "":
			decoded, err := base64.StdEncoding.DecodeString(entry.B64JSON)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindUpstreamRefused, err, "openai returned undecodable image data")
			}
			data = decoded
		case entry.URL != "":
			fetched, err := o.fetch(ctx, entry.URL)
			if err != nil {
				return nil, err
			}
			data = fetched
		default:
			return nil, errdefs.E(errdefs.KindUpstreamRefused, "openai returned an empty image entry")
		}

		info, err := imaging.Probe(data)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindUpstreamRefused, err, "openai returned an unsupported image format")
		}
		images = append(images, types.GeneratedImage{
			Data:   data,
			MIME:   info.MIME,
			Width:  info.Width,
			Height: info.Height,
		})
	}

	return &types.GenerateResult{
		Images: images,
		Meta:   map[string]string{"provider": o.cfg.Name, "model": model},
	}, nil
}

// OptimizePrompt rewrites a prompt using the requested text model,
// falling back to the configured optimizer model
func (o *OpenAI) OptimizePrompt(ctx context.Context, model, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errdefs.E(errdefs.KindInvalidParams, "prompt must not be empty")
	}

	if model == "" {
		model = o.cfg.Extra["optimizerModel"]
	}
	if model == "" {
		model = defaultOpenAITextModel
	}

	reqBody := openaiChatRequest{
		Model: model,
		Messages: []openaiChatMessage{
			{Role: "system", Content: optimizeInstruction},
			{Role: "user", Content: prompt},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "failed to encode openai request")
	}

	var optimized string
	err = ExecuteWithRetry(ctx, retryConfigFor(o.cfg.Name, o.cfg.MaxRetries), func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeoutFor(o.cfg))
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, o.endpoint("/chat/completions"), bytes.NewReader(payload))
		if err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "failed to build openai request")
		}
		req.Header.Set("Content-Type", "application/json")

		var resp openaiChatResponse
		if err := o.do(req, &resp); err != nil {
			return err
		}

		if len(resp.Choices) == 0 {
			return errdefs.E(errdefs.KindUpstreamRefused, "openai returned no completion")
		}
		optimized = strings.TrimSpace(resp.Choices[0].Message.Content)
		if optimized == "" {
			return errdefs.E(errdefs.KindUpstreamRefused, "openai returned an empty optimization")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return optimized, nil
}

// endpoint joins the configured base URL with an API path, tolerating
// bases that already carry the /v1 suffix
func (o *OpenAI) endpoint(path string) string {
	base := strings.TrimSuffix(o.cfg.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// do sends an authenticated request and decodes the JSON response into out
func (o *OpenAI) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return err // classified by the retry loop
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamTransient, err, "failed to read openai response")
	}

	if resp.StatusCode != http.StatusOK {
		return upstreamStatusError("openai", resp.StatusCode, openaiErrorMessage(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamRefused, err, "openai returned malformed JSON")
	}
	return nil
}

// fetch downloads image bytes from a result URL
func (o *OpenAI) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to build image fetch request")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstreamTransient, err, "failed to fetch result image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError("openai", resp.StatusCode, "image fetch failed")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUpstreamTransient, err, "failed to read result image")
	}
	return data, nil
}

// sizeParam renders the pixel dimensions the dialect expects, e.g.
// "1024x1024". Params are validated before any request is built, so the
// fallback only guards against future ratio additions.
func sizeParam(params types.GenerateParams) string {
	w, h, err := imaging.Dimensions(params.AspectRatio, params.Resolution)
	if err != nil {
		return "1024x1024"
	}
	return fmt.Sprintf("%dx%d", w, h)
}

func openaiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}

type openaiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type openaiImageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

type openaiChatRequest struct {
	Model    string              `json:"model"`
	Messages []openaiChatMessage `json:"messages"`
}

type openaiChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message openaiChatMessage `json:"message"`
	} `json:"choices"`
}
