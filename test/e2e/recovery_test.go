package e2e

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/types"
	"github.com/cuemby/imagegend/test/framework"
)

// TestCrashRecovery boots a backend over a store a crashed process left
// behind: a processing task with one landed image, two placeholders,
// and stray bytes for a placeholder index. Reconciliation fails the
// task with reason restart, keeps the landed image, and sweeps the
// rest before the service takes new work.
func TestCrashRecovery(t *testing.T) {
	workDir := t.TempDir()
	taskID := uuid.New().String()
	landedID := uuid.New().String()
	landed := provider.StubPNG(1024, 1024)

	var landedRel string
	err := framework.SeedStore(workDir, func(store *storage.BoltStore, files *storage.FileStore) error {
		rel, err := files.Put(storage.FileName(taskID, 0, "png"), landed)
		if err != nil {
			return err
		}
		landedRel = rel

		// Bytes for index 1 reached the disk but the row update did not.
		if _, err := files.Put(storage.FileName(taskID, 1, "png"), provider.StubPNG(64, 64)); err != nil {
			return err
		}

		now := time.Now().UTC()
		task := &types.Task{
			ID:             taskID,
			Prompt:         "interrupted by a crash",
			Provider:       framework.StubProvider,
			Model:          framework.StubModel,
			AspectRatio:    types.AspectRatioSquare,
			Resolution:     types.Resolution1K,
			Count:          3,
			TotalCount:     3,
			CompletedCount: 1,
			Status:         types.TaskStatusProcessing,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		images := []*types.Image{
			{
				ID:          landedID,
				TaskID:      taskID,
				Index:       0,
				ContentPath: rel,
				Size:        int64(len(landed)),
				Width:       1024,
				Height:      1024,
				MIME:        "image/png",
				Status:      types.ImageStatusSuccess,
				CreatedAt:   now,
			},
			{ID: uuid.New().String(), TaskID: taskID, Index: 1, Status: types.ImageStatusPending, CreatedAt: now},
			{ID: uuid.New().String(), TaskID: taskID, Index: 2, Status: types.ImageStatusPending, CreatedAt: now},
		}
		return store.CreateTaskWithImages(task, images)
	})
	if err != nil {
		t.Fatalf("Failed to seed crashed state: %v", err)
	}

	cfg := framework.DefaultBackendConfig()
	cfg.WorkDir = workDir

	backend, err := framework.NewBackend(cfg)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer func() { _ = backend.Cleanup() }()

	if err := backend.Start(); err != nil {
		t.Fatalf("Failed to start backend: %v", err)
	}

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	item, err := backend.Client.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("Failed to get recovered task: %v", err)
	}
	assert.TaskFailedWith(item.Task, "restart")
	assert.Equal(1, item.Task.CompletedCount, "Counter settles on the surviving row")
	assert.Equal(1, len(item.Images), "Placeholder rows are gone")
	assert.SuccessImages(item, 1)
	assert.CountersSettled(item)

	// The landed image survived intact and still downloads.
	rc, contentType, err := backend.Client.DownloadImage(ctx, landedID)
	if err != nil {
		t.Fatalf("Failed to download surviving image: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("Failed to read surviving image: %v", err)
	}
	assert.Equal("image/png", contentType, "Download content type")
	assert.BytesEqual(landed, data, "Surviving image bytes")
	assert.ImageDimensions(data, 1024, 1024)

	assert.FileExists(filepath.Join(workDir, filepath.FromSlash(landedRel)))
	assert.FileMissing(filepath.Join(workDir, "storage", "local", storage.FileName(taskID, 1, "png")))

	// Recovery leaves the service ready for new work.
	fresh, err := backend.Client.Submit(ctx, "fresh after restart", 1)
	if err != nil {
		t.Fatalf("Failed to submit after recovery: %v", err)
	}
	if err := waiter.WaitForTaskStatus(ctx, backend.Client, fresh.ID, types.TaskStatusCompleted); err != nil {
		t.Fatalf("Post-recovery task did not complete: %v", err)
	}
}
