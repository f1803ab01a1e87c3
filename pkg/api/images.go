package api

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/types"
)

// handleListImages pages through tasks with their images, newest first.
// Filters: page, pageSize, keyword (prompt substring), repeated status.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.TaskFilter{Keyword: q.Get("keyword")}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, errdefs.Ef(errdefs.KindInvalidParams, "invalid page %q", v))
			return
		}
		filter.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, errdefs.Ef(errdefs.KindInvalidParams, "invalid pageSize %q", v))
			return
		}
		filter.PageSize = n
	}
	for _, v := range q["status"] {
		status := types.TaskStatus(v)
		switch status {
		case types.TaskStatusQueued, types.TaskStatusProcessing, types.TaskStatusCompleted,
			types.TaskStatusPartial, types.TaskStatusFailed:
			filter.Statuses = append(filter.Statuses, status)
		default:
			respondError(w, errdefs.Ef(errdefs.KindInvalidParams, "unknown status %q", v))
			return
		}
	}

	page, err := s.manager.ListTasks(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, page)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respond(w, nil)
}

// handleDownloadImage streams the stored bytes with the recorded MIME
// and an attachment filename derived from the content path
func (s *Server) handleDownloadImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.store.GetImage(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if img.Status != types.ImageStatusSuccess || img.ContentPath == "" {
		respondError(w, errdefs.Ef(errdefs.KindNotFound, "image %s has no content", img.ID))
		return
	}

	file, err := s.files.Open(img.ContentPath)
	if err != nil {
		respondError(w, err)
		return
	}
	defer file.Close()

	mimeType := img.MIME
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(img.ContentPath)))
	if img.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(img.Size, 10))
	}
	if _, err := io.Copy(w, file); err != nil {
		log.WithImageID(img.ID).Warn().Err(err).Msg("Download aborted")
	}
}

type exportRequest struct {
	ImageIDs []string `json:"imageIds"`
}

// handleExportImages streams a ZIP of the requested images. Every entry
// is resolved before the first byte goes out, so missing images can
// still surface through the X-Export-Partial header.
func (s *Server) handleExportImages(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.ImageIDs) == 0 {
		respondError(w, errdefs.E(errdefs.KindInvalidParams, "imageIds is required"))
		return
	}

	type entry struct {
		name string
		abs  string
	}
	entries := make([]entry, 0, len(req.ImageIDs))
	partial := false
	seen := make(map[string]struct{}, len(req.ImageIDs))

	for _, id := range req.ImageIDs {
		img, err := s.store.GetImage(id)
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			partial = true
			continue
		}
		if err != nil {
			respondError(w, err)
			return
		}
		if img.Status != types.ImageStatusSuccess || img.ContentPath == "" {
			partial = true
			continue
		}
		abs, err := s.files.Resolve(img.ContentPath)
		if err != nil {
			partial = true
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			partial = true
			continue
		}

		name := path.Base(img.ContentPath)
		if _, dup := seen[name]; dup {
			name = img.ID + "_" + name
		}
		seen[name] = struct{}{}
		entries = append(entries, entry{name: name, abs: abs})
	}

	filename := fmt.Sprintf("imagegend_export_%s.zip", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if partial {
		w.Header().Set("X-Export-Partial", "true")
	}
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := copyZipEntry(zw, e.name, e.abs); err != nil {
			// Headers are gone; all that is left is to stop the stream.
			log.WithComponent("api").Warn().Err(err).Str("entry", e.name).Msg("Export aborted")
			break
		}
	}
	if err := zw.Close(); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("Failed to finish export archive")
	}
}

func copyZipEntry(zw *zip.Writer, name, abs string) error {
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", abs, err)
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add archive entry: %w", err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("failed to write archive entry: %w", err)
	}
	return nil
}
