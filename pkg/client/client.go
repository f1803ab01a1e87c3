package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/templates"
	"github.com/cuemby/imagegend/pkg/types"
)

// defaultBasePath is appended when the base URL carries no path
const defaultBasePath = "/api/v1"

// Client talks to an imagegend server over its REST API. Transient
// transport failures are retried with backoff; envelope errors come
// back as typed errdefs errors.
type Client struct {
	base string
	http *http.Client
}

type options struct {
	httpClient *http.Client
	retryMax   int
}

// Option customizes client construction
type Option func(*options)

// WithHTTPClient substitutes the underlying HTTP client, bypassing the
// default retry transport
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetryMax sets how many times a failed request is retried
func WithRetryMax(n int) Option {
	return func(o *options) { o.retryMax = n }
}

// New creates a client for the server at baseURL. A URL without a path
// gets the standard API prefix appended.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := options{retryMax: 2}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}
	base := strings.TrimRight(u.String(), "/")
	if u.Path == "" || u.Path == "/" {
		base += defaultBasePath
	}

	hc := o.httpClient
	if hc == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = o.retryMax
		rc.RetryWaitMin = 200 * time.Millisecond
		rc.RetryWaitMax = 2 * time.Second
		rc.Logger = log.NewLeveled("client")
		hc = rc.StandardClient()
	}

	return &Client{base: base, http: hc}, nil
}

// BaseURL returns the resolved API prefix requests go to
func (c *Client) BaseURL() string {
	return c.base
}

// envelope mirrors the server's response wrapper. Data stays raw until
// the caller's target type is known.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Health is the server's liveness payload
type Health struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Upload is one reference image attached to a multipart generation
// request
type Upload struct {
	Filename string
	MIME     string
	Data     []byte
}

// TemplateQuery filters a template catalog listing
type TemplateQuery struct {
	Category string
	Keyword  string
	// Refresh forces an upstream fetch ahead of the cache TTL
	Refresh bool
}

// Health checks the server is up and returns its version
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate submits a generation request and returns the queued task
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (*types.Task, error) {
	var out types.Task
	if err := c.post(ctx, "/tasks/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateWithImages submits a generation request with reference images
// attached as multipart file parts
func (c *Client) GenerateWithImages(ctx context.Context, req types.GenerateRequest, uploads []Upload) (*types.Task, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := [][2]string{
		{"provider", req.Provider},
		{"model_id", req.Model},
		{"prompt", req.Params.Prompt},
		{"aspectRatio", string(req.Params.AspectRatio)},
		{"imageSize", string(req.Params.Resolution)},
	}
	if req.Params.Count > 0 {
		fields = append(fields, [2]string{"count", strconv.Itoa(req.Params.Count)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to encode form field %s: %w", f[0], err)
		}
	}
	for _, path := range req.RefPaths {
		if err := mw.WriteField("refPaths", path); err != nil {
			return nil, fmt.Errorf("failed to encode refPaths: %w", err)
		}
	}
	for _, up := range uploads {
		part, err := newFilePart(mw, "refImages", up)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(up.Data); err != nil {
			return nil, fmt.Errorf("failed to encode reference image: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tasks/generate-with-images", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out types.Task
	if err := c.send(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task with its images
func (c *Client) GetTask(ctx context.Context, id string) (*types.TaskWithImages, error) {
	var out types.TaskWithImages
	if err := c.get(ctx, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask cancels a running task or removes a finished one with its
// images. Deleting an unknown task is not an error.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

// ListImages pages through tasks and their images, newest first
func (c *Client) ListImages(ctx context.Context, filter types.TaskFilter) (*types.TaskPage, error) {
	q := url.Values{}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(filter.PageSize))
	}
	if filter.Keyword != "" {
		q.Set("keyword", filter.Keyword)
	}
	for _, status := range filter.Statuses {
		q.Add("status", string(status))
	}

	var out types.TaskPage
	if err := c.get(ctx, "/images", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteImage removes one image. Removing the last image of a task
// removes the task row as well.
func (c *Client) DeleteImage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/images/"+url.PathEscape(id), nil, nil)
}

// DownloadImage streams one image's bytes. The caller must close the
// reader; the second return is the content type.
func (c *Client) DownloadImage(ctx context.Context, id string) (io.ReadCloser, string, error) {
	resp, err := c.raw(ctx, http.MethodGet, "/images/"+url.PathEscape(id)+"/download", nil, "")
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// ExportImages streams a ZIP archive of the named images. The bool
// reports whether entries were skipped because they no longer resolve.
func (c *Client) ExportImages(ctx context.Context, imageIDs []string) (io.ReadCloser, bool, error) {
	payload, err := json.Marshal(map[string][]string{"imageIds": imageIDs})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode export request: %w", err)
	}
	resp, err := c.raw(ctx, http.MethodPost, "/images/export", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, false, err
	}
	partial := resp.Header.Get("X-Export-Partial") == "true"
	return resp.Body, partial, nil
}

// ListProviders lists every provider the server knows with its
// availability flags
func (c *Client) ListProviders(ctx context.Context) ([]types.ProviderInfo, error) {
	var out []types.ProviderInfo
	if err := c.get(ctx, "/providers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProviderConfigs lists provider configurations with credentials
// masked
func (c *Client) GetProviderConfigs(ctx context.Context) ([]types.ProviderConfig, error) {
	var out []types.ProviderConfig
	if err := c.get(ctx, "/providers/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertProviderConfig creates or updates a provider configuration.
// Sending back the masked key keeps the stored secret; an empty key
// clears it.
func (c *Client) UpsertProviderConfig(ctx context.Context, cfg types.ProviderConfig) (*types.ProviderConfig, error) {
	var out types.ProviderConfig
	if err := c.post(ctx, "/providers/config", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OptimizePrompt rewrites a prompt through a provider's text model
func (c *Client) OptimizePrompt(ctx context.Context, provider, model, prompt string) (string, error) {
	req := map[string]string{
		"provider": provider,
		"model":    model,
		"prompt":   prompt,
	}
	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := c.post(ctx, "/prompts/optimize", req, &out); err != nil {
		return "", err
	}
	return out.Prompt, nil
}

// ListTemplates fetches the template catalog
func (c *Client) ListTemplates(ctx context.Context, query TemplateQuery) (*templates.Catalog, error) {
	q := url.Values{}
	if query.Category != "" {
		q.Set("category", query.Category)
	}
	if query.Keyword != "" {
		q.Set("keyword", query.Keyword)
	}
	if query.Refresh {
		q.Set("refresh", "true")
	}

	var out templates.Catalog
	if err := c.get(ctx, "/templates", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do runs one enveloped JSON exchange. A non-zero envelope code comes
// back as a typed error carrying the server's message.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// send executes a request whose response is an envelope
func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != 0 {
		return envelopeError(env)
	}
	if out != nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// raw executes a request whose success response is a byte stream. Error
// responses still arrive as envelopes and convert the same way.
func (c *Client) raw(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		return nil, envelopeError(env)
	}
	return resp, nil
}

// envelopeError converts a non-zero envelope into a typed error
func envelopeError(env envelope) error {
	return errdefs.E(errdefs.KindForCode(env.Code), env.Message)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// newFilePart opens a multipart file part carrying the upload's own
// content type, which CreateFormFile cannot express
func newFilePart(mw *multipart.Writer, field string, up Upload) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="%s"`,
		field, quoteEscaper.Replace(up.Filename)))
	if up.MIME != "" {
		h.Set("Content-Type", up.MIME)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to open multipart file part: %w", err)
	}
	return part, nil
}
