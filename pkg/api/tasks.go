package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/imaging"
	"github.com/cuemby/imagegend/pkg/types"
)

// maxMultipartBytes caps one generate-with-images upload, references
// included
const maxMultipartBytes = 64 << 20

// multipartMemory is how much of a parsed form stays in memory before
// spilling to temp files
const multipartMemory = 8 << 20

// heartbeatInterval paces the SSE keepalive comments
const heartbeatInterval = 15 * time.Second

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	task, err := s.manager.Create(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, task)
}

// handleGenerateWithImages accepts the multipart variant: form fields
// mirror the JSON body, reference images arrive as file parts or as
// refPaths entries resolved inside the allowed root.
func (s *Server) handleGenerateWithImages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, errdefs.Wrap(errdefs.KindInvalidParams, err, "invalid multipart form"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	count := 0
	if v := r.FormValue("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, errdefs.Ef(errdefs.KindInvalidParams, "invalid count %q", v))
			return
		}
		count = n
	}

	req := types.GenerateRequest{
		Provider: r.FormValue("provider"),
		Model:    r.FormValue("model_id"),
		RefPaths: formValues(r, "refPaths"),
		Params: types.GenerateParams{
			Prompt:      r.FormValue("prompt"),
			AspectRatio: types.AspectRatio(r.FormValue("aspectRatio")),
			Resolution:  types.Resolution(r.FormValue("imageSize")),
			Count:       count,
		},
	}

	refs, err := formFiles(r, "refImages")
	if err != nil {
		respondError(w, err)
		return
	}
	req.Params.RefImages = refs

	task, err := s.manager.Create(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	item, err := s.manager.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, item)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respond(w, nil)
}

// handleStream replays a task's progress over SSE. Live topics stream
// until the terminal event; tasks already past their topic's grace
// window get one synthetic terminal frame derived from the stored row.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		respondError(w, errdefs.E(errdefs.KindInternal, "streaming unsupported"))
		return
	}

	sub, live := s.bus.Subscribe(taskID)
	if !live {
		task, err := s.store.GetTask(taskID)
		if err != nil {
			respondError(w, err)
			return
		}
		images, err := s.store.ListImagesByTask(taskID)
		if err != nil {
			respondError(w, err)
			return
		}
		startSSE(w)
		_ = writeSSE(w, syntheticTerminal(task, images))
		flusher.Flush()
		return
	}
	defer s.bus.Unsubscribe(taskID, sub)

	startSSE(w)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}

func startSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeSSE frames one event: the kind travels as the SSE event name,
// the payload as one data line.
func writeSSE(w io.Writer, event *events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
	return err
}

// syntheticTerminal reconstructs the final frame for subscribers that
// arrived after the topic closed. The complete frame carries the number
// of delivered images, the same count a live subscriber saw.
func syntheticTerminal(task *types.Task, images []*types.Image) *events.Event {
	var event *events.Event
	switch {
	case task.Status == types.TaskStatusFailed:
		event = events.Error(task.ID, task.ErrorMessage)
	case task.Status.IsTerminal():
		success := 0
		for _, img := range images {
			if img.Status == types.ImageStatusSuccess {
				success++
			}
		}
		event = events.Complete(task.ID, success)
	default:
		// A live task without a topic means the bus state was lost;
		// report it as a stream failure rather than inventing progress.
		event = events.Error(task.ID, "stream unavailable")
	}
	event.Timestamp = time.Now().UTC()
	return event
}

// formFiles collects uploaded reference images, accepting both the
// bracketed and plain field spellings clients use
func formFiles(r *http.Request, field string) ([]types.RefData, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := append([]*multipart.FileHeader{}, r.MultipartForm.File[field]...)
	headers = append(headers, r.MultipartForm.File[field+"[]"]...)

	refs := make([]types.RefData, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidParams, err, "failed to read uploaded file")
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidParams, err, "failed to read uploaded file")
		}

		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = imaging.MIMEForExt(filepath.Ext(fh.Filename))
		}
		refs = append(refs, types.RefData{Data: data, MIME: mimeType})
	}
	return refs, nil
}

func formValues(r *http.Request, field string) []string {
	if r.MultipartForm == nil {
		return nil
	}
	values := append([]string{}, r.MultipartForm.Value[field]...)
	return append(values, r.MultipartForm.Value[field+"[]"]...)
}
