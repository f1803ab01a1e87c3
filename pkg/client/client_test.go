package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/types"
)

// newTestClient builds a client against ts without retries, so error
// paths hit the handler exactly once
func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c, err := New(ts.URL, WithRetryMax(0))
	require.NoError(t, err)
	return c
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
		"data":    data,
	})
}

func ok(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, http.StatusOK, 0, "success", data)
}

func TestNewResolvesBasePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:8960", "http://127.0.0.1:8960/api/v1"},
		{"http://127.0.0.1:8960/", "http://127.0.0.1:8960/api/v1"},
		{"http://example.com/custom/base", "http://example.com/custom/base"},
		{"http://example.com/custom/base/", "http://example.com/custom/base"},
	}
	for _, tc := range cases {
		c, err := New(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, c.BaseURL(), tc.in)
	}

	_, err := New("ftp://example.com")
	require.Error(t, err)
	_, err = New("://bad")
	require.Error(t, err)
}

func TestGenerateRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tasks/generate", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req types.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "stub", req.Provider)
		assert.Equal(t, "a red kite", req.Params.Prompt)

		ok(w, types.Task{ID: "t1", Status: types.TaskStatusQueued, Prompt: req.Params.Prompt})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	task, err := c.Generate(context.Background(), types.GenerateRequest{
		Provider: "stub",
		Model:    "m",
		Params:   types.GenerateParams{Prompt: "a red kite", Count: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
}

func TestEnvelopeErrorsBecomeTyped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tasks/generate":
			writeEnvelope(w, http.StatusTooManyRequests, 42901, "task queue is full", nil)
		case "/api/v1/tasks/missing":
			writeEnvelope(w, http.StatusNotFound, 40401, "task missing not found", nil)
		default:
			writeEnvelope(w, http.StatusInternalServerError, 50000, "internal error", nil)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)

	_, err := c.Generate(context.Background(), types.GenerateRequest{Provider: "stub"})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))
	assert.Contains(t, err.Error(), "task queue is full")

	_, err = c.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ok(w, Health{Status: "ok", Version: "1.2.3"})
	}))
	defer ts.Close()

	c, err := New(ts.URL, WithRetryMax(2))
	require.NoError(t, err)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateWithImagesEncodesMultipart(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/generate-with-images", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(8<<20))

		assert.Equal(t, "stub", r.FormValue("provider"))
		assert.Equal(t, "m", r.FormValue("model_id"))
		assert.Equal(t, "blend these", r.FormValue("prompt"))
		assert.Equal(t, "2", r.FormValue("count"))
		assert.Equal(t, []string{"refs/a.png"}, r.MultipartForm.Value["refPaths"])

		files := r.MultipartForm.File["refImages"]
		require.Len(t, files, 2)
		assert.Equal(t, "one.png", files[0].Filename)
		assert.Equal(t, "image/png", files[0].Header.Get("Content-Type"))
		assert.Equal(t, `we"ird.jpg`, files[1].Filename)
		assert.Equal(t, "image/jpeg", files[1].Header.Get("Content-Type"))

		f, err := files[0].Open()
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), data)

		ok(w, types.Task{ID: "t2", Status: types.TaskStatusQueued})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	task, err := c.GenerateWithImages(context.Background(),
		types.GenerateRequest{
			Provider: "stub",
			Model:    "m",
			RefPaths: []string{"refs/a.png"},
			Params:   types.GenerateParams{Prompt: "blend these", Count: 2},
		},
		[]Upload{
			{Filename: "one.png", MIME: "image/png", Data: []byte("png-bytes")},
			{Filename: `we"ird.jpg`, MIME: "image/jpeg", Data: []byte("jpg-bytes")},
		})
	require.NoError(t, err)
	assert.Equal(t, "t2", task.ID)
}

func TestListImagesEncodesQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/images", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "10", q.Get("pageSize"))
		assert.Equal(t, "cat", q.Get("keyword"))
		assert.Equal(t, []string{"completed", "partial"}, q["status"])

		ok(w, types.TaskPage{
			Items:    []*types.TaskWithImages{{Task: &types.Task{ID: "t1"}}},
			Total:    1,
			Page:     2,
			PageSize: 10,
		})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	page, err := c.ListImages(context.Background(), types.TaskFilter{
		Page:     2,
		PageSize: 10,
		Keyword:  "cat",
		Statuses: []types.TaskStatus{types.TaskStatusCompleted, types.TaskStatusPartial},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t1", page.Items[0].Task.ID)
}

func TestDeleteTaskAndImage(t *testing.T) {
	var taskDeleted, imageDeleted bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/api/v1/tasks/t1":
			taskDeleted = true
		case "/api/v1/images/i1":
			imageDeleted = true
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		ok(w, nil)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	require.NoError(t, c.DeleteTask(context.Background(), "t1"))
	require.NoError(t, c.DeleteImage(context.Background(), "i1"))
	assert.True(t, taskDeleted)
	assert.True(t, imageDeleted)
}

func TestDownloadImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/images/i1/download":
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("raw-image-bytes"))
		default:
			writeEnvelope(w, http.StatusNotFound, 40401, "image gone not found", nil)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)

	body, mime, err := c.DownloadImage(context.Background(), "i1")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte("raw-image-bytes"), data)

	_, _, err = c.DownloadImage(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestExportImagesReportsPartial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/images/export", r.URL.Path)
		var req map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"i1", "i2"}, req["imageIds"])

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("X-Export-Partial", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("PK\x03\x04"))
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	body, partial, err := c.ExportImages(context.Background(), []string{"i1", "i2"})
	require.NoError(t, err)
	defer body.Close()
	assert.True(t, partial)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), data[:4])
}

func TestProviderConfigRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/providers":
			ok(w, []types.ProviderInfo{{Name: "gemini", Enabled: true, Configured: true}})
		case r.URL.Path == "/api/v1/providers/config" && r.Method == http.MethodGet:
			ok(w, []types.ProviderConfig{{Name: "gemini", APIKey: "********"}})
		case r.URL.Path == "/api/v1/providers/config" && r.Method == http.MethodPost:
			var cfg types.ProviderConfig
			require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
			assert.Equal(t, "gemini", cfg.Name)
			cfg.APIKey = "********"
			ok(w, cfg)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)

	infos, err := c.ListProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "gemini", infos[0].Name)

	configs, err := c.GetProviderConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "********", configs[0].APIKey)

	saved, err := c.UpsertProviderConfig(context.Background(), types.ProviderConfig{
		Name:   "gemini",
		APIKey: "sk-real",
	})
	require.NoError(t, err)
	assert.Equal(t, "********", saved.APIKey)
}

func TestOptimizePrompt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/prompts/optimize", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gemini", req["provider"])
		assert.Equal(t, "text-model", req["model"])
		ok(w, map[string]string{"prompt": "an improved " + req["prompt"]})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	improved, err := c.OptimizePrompt(context.Background(), "gemini", "text-model", "kite")
	require.NoError(t, err)
	assert.Equal(t, "an improved kite", improved)
}

func TestListTemplatesQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/templates", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "portrait", q.Get("category"))
		assert.Equal(t, "true", q.Get("refresh"))
		ok(w, map[string]interface{}{
			"meta":  map[string]interface{}{"total": 1},
			"items": []map[string]string{{"id": "tpl1", "name": "Studio", "category": "portrait"}},
		})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	catalog, err := c.ListTemplates(context.Background(), TemplateQuery{Category: "portrait", Refresh: true})
	require.NoError(t, err)
	require.Len(t, catalog.Items, 1)
	assert.Equal(t, "tpl1", catalog.Items[0].ID)
}

func TestStreamParsesEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/t1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		frames := []string{
			"event: start\ndata: {\"task_id\":\"t1\",\"total\":2,\"timestamp\":\"2026-01-02T03:04:05Z\"}\n\n",
			": heartbeat\n\n",
			"event: progress\ndata: {\"task_id\":\"t1\",\"total\":2,\"completed\":1,\"timestamp\":\"2026-01-02T03:04:06Z\"}\n\n",
			"event: complete\ndata: {\"task_id\":\"t1\",\"images_count\":2,\"timestamp\":\"2026-01-02T03:04:07Z\"}\n\n",
		}
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	ch, err := c.Stream(context.Background(), "t1")
	require.NoError(t, err)

	var got []*events.Event
	for event := range ch {
		got = append(got, event)
	}
	require.Len(t, got, 3)
	assert.Equal(t, events.KindStart, got[0].Kind)
	assert.Equal(t, 2, got[0].Total)
	assert.Equal(t, events.KindProgress, got[1].Kind)
	assert.Equal(t, 1, got[1].Completed)
	assert.Equal(t, events.KindComplete, got[2].Kind)
	assert.Equal(t, 2, got[2].ImagesCount)
	assert.True(t, got[2].Terminal())
}

func TestStreamErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, 40401, "task nope not found", nil)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	_, err := c.Stream(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "event: start\ndata: {\"task_id\":\"t1\",\"total\":1,\"timestamp\":\"2026-01-02T03:04:05Z\"}\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, ts)
	ch, err := c.Stream(ctx, "t1")
	require.NoError(t, err)

	first := <-ch
	require.NotNil(t, first)
	assert.Equal(t, events.KindStart, first.Kind)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should close after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("stream never closed after cancel")
	}
}

func TestSendRejectsNonEnvelopeBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>proxy error</html>")
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
