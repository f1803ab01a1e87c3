package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/types"
)

// Reconciler finalizes tasks a previous process left behind. Nothing is
// resumed: a task that was queued or processing when the process died is
// conservatively failed so the client sees a definite outcome instead of
// a task stuck in flight forever.
type Reconciler struct {
	store storage.Store
	files *storage.FileStore
}

// New creates a reconciler over the metadata and byte stores
func New(store storage.Store, files *storage.FileStore) *Reconciler {
	return &Reconciler{store: store, files: files}
}

// Run performs one reconciliation pass: every non-terminal task is
// finalized failed with reason "restart", its placeholder rows are
// removed along with any bytes a crash left for them, and its landed
// images are kept. The server runs this before the listener opens and
// again at shutdown for tasks the drain window did not finish.
func (r *Reconciler) Run(ctx context.Context) error {
	logger := log.WithComponent("reconciler")

	tasks, err := r.store.ListTasksByStatus(types.TaskStatusQueued, types.TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to scan for interrupted tasks: %w", err)
	}
	if len(tasks) == 0 {
		logger.Debug().Msg("No interrupted tasks found")
		return nil
	}

	finalized := 0
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.finalize(task); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to finalize interrupted task")
			continue
		}
		finalized++
	}

	logger.Info().
		Int("found", len(tasks)).
		Int("finalized", finalized).
		Msg("Interrupted tasks reconciled")
	return nil
}

// finalize fails one interrupted task. Placeholder rows go; terminal
// rows stay, and the counter settles on the rows that remain.
func (r *Reconciler) finalize(task *types.Task) error {
	images, err := r.store.ListImagesByTask(task.ID)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	settled := 0
	for _, img := range images {
		if img.Status != types.ImageStatusPending {
			settled++
			continue
		}
		// A crash between the byte write and the row update leaves a
		// file no row references; the sweep matches it by name stem.
		if err := r.files.SweepIndex(task.ID, img.Index); err != nil {
			imgLogger := log.WithImageID(img.ID)
			imgLogger.Warn().Err(err).Msg("Failed to sweep stray files")
		}
		if err := r.store.DeleteImageRow(img.ID); err != nil {
			return fmt.Errorf("failed to delete placeholder row: %w", err)
		}
	}

	now := time.Now().UTC()
	task.Status = types.TaskStatusFailed
	task.ErrorMessage = "restart"
	task.CompletedCount = settled
	task.UpdatedAt = now
	task.CompletedAt = &now
	if err := r.store.UpdateTask(task); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	taskLogger := log.WithTaskID(task.ID)
	taskLogger.Info().
		Int("kept_images", settled).
		Msg("Interrupted task failed with reason restart")
	return nil
}
