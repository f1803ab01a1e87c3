package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/test/framework"
)

// TestCancelMidFlight deletes a count=5 task after two images landed.
// The task settles failed("canceled") with exactly the two finished
// images kept, and repeating the DELETE succeeds: the second call
// cascades the finished task away, further calls converge on nothing.
func TestCancelMidFlight(t *testing.T) {
	cfg := framework.DefaultBackendConfig()
	cfg.Workers = 1
	cfg.Outcomes = []provider.StubOutcome{
		{Delay: 500 * time.Millisecond},
		{Delay: 500 * time.Millisecond},
		{Delay: 30 * time.Second},
	}

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

	task, err := backend.Client.Submit(ctx, "five slow images", 5)
	if err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}

	stream, err := backend.Client.Stream(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}

	progressSeen := 0
	for progressSeen < 2 {
		ev, err := framework.NextEvent(stream, 10*time.Second)
		if err != nil {
			t.Fatalf("Waiting for progress: %v", err)
		}
		if ev == nil {
			t.Fatalf("Stream closed before two images landed")
		}
		if ev.Kind == events.KindProgress {
			progressSeen++
		}
	}

	if err := backend.Client.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("Failed to cancel task: %v", err)
	}

	var last *events.Event
	for {
		ev, err := framework.NextEvent(stream, 10*time.Second)
		if err != nil {
			t.Fatalf("Waiting for terminal event: %v", err)
		}
		if ev == nil {
			break
		}
		last = ev
	}
	if last == nil {
		t.Fatalf("Stream closed without a terminal event")
	}
	assert.Equal(events.KindError, last.Kind, "Terminal event")
	assert.Equal("canceled", last.Message, "Cancel reason")

	item, err := backend.Client.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	assert.TaskFailedWith(item.Task, "canceled")
	assert.Equal(2, item.Task.CompletedCount, "Images processed before the cancel")
	assert.Equal(2, len(item.Images), "Pending placeholders are swept")
	assert.SuccessImages(item, 2)
	assert.CountersSettled(item)

	var paths []string
	for _, img := range item.Images {
		abs := filepath.Join(backend.WorkDir, filepath.FromSlash(img.ContentPath))
		assert.FileExists(abs)
		paths = append(paths, abs)
	}

	// DELETE is idempotent: repeating it on the now-finished task
	// succeeds and cascades rows and files.
	assert.NoError(backend.Client.DeleteTask(ctx, task.ID), "Second delete")
	if err := waiter.WaitForTaskGone(ctx, backend.Client, task.ID); err != nil {
		t.Fatalf("Task survived the cascade: %v", err)
	}
	_, err = backend.Client.GetTask(ctx, task.ID)
	assert.True(errdefs.IsKind(err, errdefs.KindNotFound), "Task is gone after the cascade")
	for _, abs := range paths {
		assert.FileMissing(abs)
	}
	assert.NoError(backend.Client.DeleteTask(ctx, task.ID), "Third delete converges")
}
