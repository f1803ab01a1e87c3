package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/imaging"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/types"
)

// Enqueuer is the pool surface the manager drives
type Enqueuer interface {
	Submit(taskID string) error
	Cancel(taskID string) bool
}

// Config carries the manager's dependencies
type Config struct {
	Store            storage.Store
	Files            *storage.FileStore
	Providers        provider.Source
	Bus              *events.Bus
	Thumbnails       bool
	ThumbnailMaxEdge int
	RefRoot          string
}

// Manager owns the task lifecycle: it is the single writer for task
// rows and the only publisher of progress events. One instance serves
// the whole process.
type Manager struct {
	store     storage.Store
	files     *storage.FileStore
	providers provider.Source
	bus       *events.Bus
	pool      Enqueuer

	thumbnails bool
	thumbEdge  int
	refRoot    string

	// locks serializes row mutations per task; pendingRefs carries
	// inline reference bytes from Create to Run without persisting them
	locks       sync.Map
	pendingRefs sync.Map
}

// New creates a manager. AttachPool must be called before Create.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Files == nil || cfg.Providers == nil || cfg.Bus == nil {
		return nil, errdefs.E(errdefs.KindInternal, "manager requires store, files, providers, and bus")
	}
	return &Manager{
		store:      cfg.Store,
		files:      cfg.Files,
		providers:  cfg.Providers,
		bus:        cfg.Bus,
		thumbnails: cfg.Thumbnails,
		thumbEdge:  cfg.ThumbnailMaxEdge,
		refRoot:    cfg.RefRoot,
	}, nil
}

// AttachPool wires the worker pool the manager submits to. Split from
// New because the pool needs the manager as its runner.
func (m *Manager) AttachPool(pool Enqueuer) {
	m.pool = pool
}

// Create validates a submission, persists the queued task with its
// placeholder image rows, opens the progress topic, and enqueues it.
// A saturated queue rolls everything back so a rejected submission
// leaves no trace.
func (m *Manager) Create(ctx context.Context, req types.GenerateRequest) (*types.Task, error) {
	adapter, err := m.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	params := req.Params
	if params.Model == "" {
		params.Model = req.Model
	}
	params.Count = types.ClampCount(params.Count)
	if err := adapter.Validate(params); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:             uuid.New().String(),
		Prompt:         params.Prompt,
		Provider:       req.Provider,
		Model:          params.Model,
		TimeoutSeconds: req.TimeoutSeconds,
		AspectRatio:    params.AspectRatio,
		Resolution:     params.Resolution,
		Count:          params.Count,
		Status:         types.TaskStatusQueued,
		TotalCount:     params.Count,
		CreatedAt:      now,
		UpdatedAt:      now,
		ConfigSnapshot: snapshot(req.Provider, params),
	}

	// Path references are validated and read up front so a bad path
	// rejects the submission instead of failing the task later. The
	// row keeps the paths only; resolved bytes travel in memory and
	// die with the process, which reconciliation accounts for.
	inline := append([]types.RefData(nil), params.RefImages...)
	for _, p := range req.RefPaths {
		data, err := storage.ReadWithin(m.refRoot, p)
		if err != nil {
			return nil, err
		}
		inline = append(inline, types.RefData{Data: data, MIME: imaging.MIMEForExt(filepath.Ext(p))})
		task.RefImages = append(task.RefImages, types.RefImage{Path: p})
	}

	placeholders := make([]*types.Image, 0, task.TotalCount)
	for i := 0; i < task.TotalCount; i++ {
		placeholders = append(placeholders, &types.Image{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			Index:     i,
			Status:    types.ImageStatusPending,
			CreatedAt: now,
		})
	}

	if err := m.store.CreateTaskWithImages(task, placeholders); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to persist task")
	}
	if len(inline) > 0 {
		m.pendingRefs.Store(task.ID, inline)
	}
	m.bus.Open(task.ID)

	if err := m.pool.Submit(task.ID); err != nil {
		m.pendingRefs.Delete(task.ID)
		m.bus.Discard(task.ID)
		if derr := m.store.DeleteTaskCascade(task.ID); derr != nil {
			log.WithTaskID(task.ID).Error().Err(derr).Msg("Failed to roll back rejected task")
		}
		return nil, err
	}

	log.WithTaskID(task.ID).Info().
		Str("provider", task.Provider).
		Int("count", task.TotalCount).
		Msg("Task queued")
	return task, nil
}

// Run executes one task to a terminal state. It is the TaskRunner the
// worker pool drives; ctx cancellation covers client deletes, queue
// drops, and shutdown.
func (m *Manager) Run(ctx context.Context, taskID string) {
	logger := log.WithTaskID(taskID)

	task, err := m.store.GetTask(taskID)
	if err != nil {
		// Deleted between enqueue and pickup
		logger.Debug().Err(err).Msg("Task gone before start")
		m.pendingRefs.Delete(taskID)
		return
	}
	if task.Status.IsTerminal() {
		m.pendingRefs.Delete(taskID)
		return
	}

	if task.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	refs := m.takeRefs(taskID)
	if ctx.Err() != nil {
		m.finalizeCanceled(task, ctx.Err())
		return
	}
	if refs == nil && len(task.RefImages) > 0 {
		// Create resolved these in memory; reload from the recorded
		// paths only when that carry is gone
		var err error
		refs, err = m.loadRefs(task)
		if err != nil {
			m.finalize(task, 0, err)
			return
		}
	}

	m.withLock(taskID, func() {
		task.Status = types.TaskStatusProcessing
		task.UpdatedAt = time.Now().UTC()
		if uerr := m.store.UpdateTask(task); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to mark task processing")
		}
	})
	m.bus.Publish(events.Start(taskID, task.TotalCount))
	logger.Info().Int("total", task.TotalCount).Msg("Task started")

	adapter, err := m.providers.Get(task.Provider)
	if err != nil {
		// Registry changed under us between create and pickup
		m.finalize(task, 0, err)
		return
	}

	params := types.GenerateParams{
		Prompt:      task.Prompt,
		Model:       task.Model,
		AspectRatio: task.AspectRatio,
		Resolution:  task.Resolution,
		Count:       1,
		RefImages:   refs,
	}

	placeholders, err := m.store.ListImagesByTask(taskID)
	if err != nil {
		m.finalize(task, 0, errdefs.Wrap(errdefs.KindIOError, err, "failed to load image rows"))
		return
	}

	var firstErr error
	success := 0
	terminal := 0

	for _, placeholder := range placeholders {
		if placeholder.Status != types.ImageStatusPending {
			// Already terminal; counts toward progress but is not redone
			terminal++
			if placeholder.Status == types.ImageStatusSuccess {
				success++
			}
			continue
		}
		if ctx.Err() != nil {
			break
		}

		res, err := adapter.Generate(ctx, params)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindCanceled) {
				break
			}
			logger.Warn().Err(err).Int("index", placeholder.Index).Msg("Image generation failed")
			if firstErr == nil {
				firstErr = err
			}
			terminal++
			m.markImageFailed(task, placeholder, terminal)
			continue
		}

		generated := res.Images[0]
		if err := m.onImage(task, placeholder, generated, terminal+1); err != nil {
			logger.Error().Err(err).Int("index", placeholder.Index).Msg("Failed to land image")
			if firstErr == nil {
				firstErr = err
			}
			terminal++
			m.markImageFailed(task, placeholder, terminal)
			continue
		}
		terminal++
		success++
	}

	if ctx.Err() != nil {
		m.finalizeCanceled(task, ctx.Err())
		return
	}
	m.finalize(task, success, firstErr)
}

// onImage lands one generated image: bytes to the file store, optional
// thumbnail, placeholder row upgraded, counters bumped, progress
// emitted
func (m *Manager) onImage(task *types.Task, placeholder *types.Image, generated types.GeneratedImage, completed int) error {
	ext := imaging.ExtForMIME(generated.MIME)
	name := storage.FileName(task.ID, placeholder.Index, ext)

	rel, err := m.files.Put(name, generated.Data)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIOError, err, "failed to write image bytes")
	}

	thumbRel := ""
	if m.thumbnails {
		tdata, text, terr := imaging.Thumbnail(generated.Data, m.thumbEdge)
		if terr != nil {
			log.WithTaskID(task.ID).Debug().Err(terr).Msg("Thumbnail generation failed")
		} else if thumbRel, terr = m.files.PutThumbnail(tdata, rel, text); terr != nil {
			log.WithTaskID(task.ID).Debug().Err(terr).Msg("Thumbnail write failed")
			thumbRel = ""
		}
	}

	var updated types.Image
	m.withLock(task.ID, func() {
		placeholder.ContentPath = rel
		placeholder.ThumbPath = thumbRel
		placeholder.Size = int64(len(generated.Data))
		placeholder.Width = generated.Width
		placeholder.Height = generated.Height
		placeholder.MIME = generated.MIME
		placeholder.Status = types.ImageStatusSuccess
		if err = m.store.UpsertImage(placeholder); err != nil {
			err = errdefs.Wrap(errdefs.KindIOError, err, "failed to persist image row")
			return
		}
		task.CompletedCount = completed
		task.UpdatedAt = time.Now().UTC()
		if uerr := m.store.UpdateTask(task); uerr != nil {
			err = errdefs.Wrap(errdefs.KindIOError, uerr, "failed to update task counters")
			return
		}
		updated = *placeholder
	})
	if err != nil {
		return err
	}

	metrics.ImagesProduced.WithLabelValues(task.Provider, string(types.ImageStatusSuccess)).Inc()
	metrics.BytesWritten.Add(float64(len(generated.Data)))
	m.bus.Publish(events.Progress(task.ID, completed, task.TotalCount, &updated))
	return nil
}

// markImageFailed flips a placeholder to failed and moves the counter;
// the task keeps going with its remaining images
func (m *Manager) markImageFailed(task *types.Task, placeholder *types.Image, completed int) {
	m.withLock(task.ID, func() {
		placeholder.Status = types.ImageStatusFailed
		if err := m.store.UpsertImage(placeholder); err != nil {
			log.WithImageID(placeholder.ID).Error().Err(err).Msg("Failed to persist failed image row")
		}
		task.CompletedCount = completed
		task.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateTask(task); err != nil {
			log.WithTaskID(task.ID).Error().Err(err).Msg("Failed to update task counters")
		}
	})
	metrics.ImagesProduced.WithLabelValues(task.Provider, string(types.ImageStatusFailed)).Inc()
	m.bus.Publish(events.Progress(task.ID, completed, task.TotalCount, nil))
}

// finalize writes the terminal state for a task that ran to its end:
// completed when every image landed, partial when some did, failed when
// none did
func (m *Manager) finalize(task *types.Task, success int, firstErr error) {
	now := time.Now().UTC()

	var status types.TaskStatus
	switch {
	case success == task.TotalCount:
		status = types.TaskStatusCompleted
	case success > 0:
		status = types.TaskStatusPartial
	default:
		status = types.TaskStatusFailed
	}

	already := false
	m.withLock(task.ID, func() {
		if task.Status.IsTerminal() {
			already = true
			return
		}
		task.Status = status
		task.UpdatedAt = now
		task.CompletedAt = &now
		if firstErr != nil {
			task.ErrorMessage = errdefs.MessageOf(firstErr)
		}
		if err := m.store.UpdateTask(task); err != nil {
			log.WithTaskID(task.ID).Error().Err(err).Msg("Failed to finalize task")
		}
		m.sweepPending(task.ID)
	})
	if already {
		return
	}

	if status == types.TaskStatusFailed {
		m.bus.Publish(events.Error(task.ID, task.ErrorMessage))
	} else {
		m.bus.Publish(events.Complete(task.ID, success))
	}

	log.WithTaskID(task.ID).Info().
		Str("status", string(status)).
		Int("success", success).
		Int("total", task.TotalCount).
		Msg("Task finished")
}

// finalizeCanceled ends an interrupted task: landed images stay, still
// pending placeholders go, the row records why it stopped
func (m *Manager) finalizeCanceled(task *types.Task, cause error) {
	reason := "canceled"
	if cause == context.DeadlineExceeded {
		reason = "task deadline exceeded"
	}
	now := time.Now().UTC()

	already := false
	m.withLock(task.ID, func() {
		if task.Status.IsTerminal() {
			already = true
			return
		}
		task.Status = types.TaskStatusFailed
		task.ErrorMessage = reason
		task.UpdatedAt = now
		task.CompletedAt = &now
		if err := m.store.UpdateTask(task); err != nil {
			log.WithTaskID(task.ID).Error().Err(err).Msg("Failed to finalize canceled task")
		}
		m.sweepPending(task.ID)
	})
	if already {
		return
	}

	m.bus.Publish(events.Error(task.ID, reason))
	log.WithTaskID(task.ID).Info().Str("reason", reason).Msg("Task canceled")
}

// sweepPending deletes placeholder rows that never became real images.
// The non-cascading delete keeps the task row alive even when nothing
// landed. Caller holds the task lock.
func (m *Manager) sweepPending(taskID string) {
	images, err := m.store.ListImagesByTask(taskID)
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("Failed to sweep placeholders")
		return
	}
	for _, img := range images {
		if img.Status != types.ImageStatusPending {
			continue
		}
		if err := m.store.DeleteImageRow(img.ID); err != nil {
			log.WithImageID(img.ID).Error().Err(err).Msg("Failed to delete placeholder")
		}
	}
}

// Delete cancels a non-terminal task, leaving its row and landed images
// in place for the gallery; on a terminal task it cascades rows and
// files. Missing tasks are success, so the call is idempotent.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(taskID)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !task.Status.IsTerminal() {
		m.pool.Cancel(taskID)
		log.WithTaskID(taskID).Info().Msg("Cancellation requested")
		return nil
	}
	return m.cascade(taskID)
}

// DeleteImage removes one image row and its files. Deleting the last
// image of a task takes the task row with it. Non-terminal tasks refuse
// image deletes; cancel the task instead.
func (m *Manager) DeleteImage(ctx context.Context, imageID string) error {
	img, err := m.store.GetImage(imageID)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	task, err := m.store.GetTask(img.TaskID)
	if err == nil && !task.Status.IsTerminal() {
		return errdefs.Ef(errdefs.KindInvalidParams, "task %s is still running", img.TaskID)
	}

	var taskDeleted bool
	m.withLock(img.TaskID, func() {
		m.removeFiles(img)
		taskDeleted, err = m.store.DeleteImage(imageID)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindIOError, err, "failed to delete image")
	}
	if taskDeleted {
		m.bus.Discard(img.TaskID)
		m.locks.Delete(img.TaskID)
		log.WithTaskID(img.TaskID).Info().Msg("Task removed with its last image")
	}
	return nil
}

// GetTask returns a task with its images
func (m *Manager) GetTask(ctx context.Context, taskID string) (*types.TaskWithImages, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	images, err := m.store.ListImagesByTask(taskID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to load images")
	}
	return &types.TaskWithImages{Task: task, Images: images}, nil
}

// ListTasks returns one page of tasks with their images, newest first
func (m *Manager) ListTasks(ctx context.Context, filter types.TaskFilter) (*types.TaskPage, error) {
	tasks, total, err := m.store.ListTasks(filter)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to list tasks")
	}

	items := make([]*types.TaskWithImages, 0, len(tasks))
	for _, task := range tasks {
		images, err := m.store.ListImagesByTask(task.ID)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to load images")
		}
		items = append(items, &types.TaskWithImages{Task: task, Images: images})
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = storage.DefaultPageSize
	}
	return &types.TaskPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (m *Manager) cascade(taskID string) error {
	var err error
	m.withLock(taskID, func() {
		var images []*types.Image
		images, err = m.store.ListImagesByTask(taskID)
		if err != nil {
			err = errdefs.Wrap(errdefs.KindIOError, err, "failed to list images")
			return
		}
		for _, img := range images {
			m.removeFiles(img)
		}
		if derr := m.store.DeleteTaskCascade(taskID); derr != nil {
			err = errdefs.Wrap(errdefs.KindIOError, derr, "failed to delete task")
			return
		}
	})
	if err != nil {
		return err
	}

	m.bus.Discard(taskID)
	m.locks.Delete(taskID)
	log.WithTaskID(taskID).Info().Msg("Task deleted")
	return nil
}

// removeFiles best-effort deletes an image's byte files
func (m *Manager) removeFiles(img *types.Image) {
	if img.ContentPath != "" {
		if err := m.files.Remove(img.ContentPath); err != nil {
			log.WithImageID(img.ID).Warn().Err(err).Msg("Failed to remove image file")
		}
	}
	if img.ThumbPath != "" {
		if err := m.files.Remove(img.ThumbPath); err != nil {
			log.WithImageID(img.ID).Warn().Err(err).Msg("Failed to remove thumbnail")
		}
	}
}

// loadRefs re-reads path references recorded on the task row, each
// constrained to the allowed root
func (m *Manager) loadRefs(task *types.Task) ([]types.RefData, error) {
	var refs []types.RefData
	for _, ref := range task.RefImages {
		if ref.Path == "" {
			continue
		}
		data, err := storage.ReadWithin(m.refRoot, ref.Path)
		if err != nil {
			return nil, err
		}
		mime := ref.MIME
		if mime == "" {
			mime = imaging.MIMEForExt(filepath.Ext(ref.Path))
		}
		refs = append(refs, types.RefData{Data: data, MIME: mime})
	}
	return refs, nil
}

func (m *Manager) takeRefs(taskID string) []types.RefData {
	v, ok := m.pendingRefs.LoadAndDelete(taskID)
	if !ok {
		return nil
	}
	return v.([]types.RefData)
}

// withLock runs fn holding the task's mutation lock
func (m *Manager) withLock(taskID string, fn func()) {
	v, _ := m.locks.LoadOrStore(taskID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// snapshot freezes the parameters a task ran with for reproducibility
func snapshot(providerName string, params types.GenerateParams) json.RawMessage {
	data, err := json.Marshal(struct {
		Provider    string            `json:"provider"`
		Model       string            `json:"model_id"`
		Prompt      string            `json:"prompt"`
		AspectRatio types.AspectRatio `json:"aspectRatio"`
		Resolution  types.Resolution  `json:"imageSize"`
		Count       int               `json:"count"`
		RefCount    int               `json:"refCount,omitempty"`
	}{
		Provider:    providerName,
		Model:       params.Model,
		Prompt:      params.Prompt,
		AspectRatio: params.AspectRatio,
		Resolution:  params.Resolution,
		Count:       params.Count,
		RefCount:    len(params.RefImages),
	})
	if err != nil {
		return nil
	}
	return data
}

