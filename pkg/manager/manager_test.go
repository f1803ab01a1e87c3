package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/types"
)

// fakePool records submissions and lets tests wire Cancel to a context
type fakePool struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
	cancels   map[string]context.CancelFunc
	canceled  []string
}

func newFakePool() *fakePool {
	return &fakePool{cancels: make(map[string]context.CancelFunc)}
}

func (f *fakePool) Submit(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, taskID)
	return nil
}

func (f *fakePool) Cancel(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, taskID)
	if cancel, ok := f.cancels[taskID]; ok {
		cancel()
		return true
	}
	return false
}

func (f *fakePool) bind(taskID string, cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[taskID] = cancel
}

type fixture struct {
	mgr   *Manager
	store *storage.BoltStore
	files *storage.FileStore
	bus   *events.Bus
	pool  *fakePool
	dir   string
}

func newFixture(t *testing.T, source provider.Source) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	files, err := storage.NewFileStore(dir)
	require.NoError(t, err)

	bus := events.NewBus(16, time.Minute)
	t.Cleanup(bus.Close)

	pool := newFakePool()
	mgr, err := New(Config{
		Store:            store,
		Files:            files,
		Providers:        source,
		Bus:              bus,
		Thumbnails:       true,
		ThumbnailMaxEdge: 64,
		RefRoot:          dir,
	})
	require.NoError(t, err)
	mgr.AttachPool(pool)

	return &fixture{mgr: mgr, store: store, files: files, bus: bus, pool: pool, dir: dir}
}

func generateReq(providerName string, count int) types.GenerateRequest {
	return types.GenerateRequest{
		Provider: providerName,
		Model:    "m",
		Params: types.GenerateParams{
			Prompt:      "a lighthouse at dusk",
			AspectRatio: types.AspectRatioSquare,
			Resolution:  types.Resolution1K,
			Count:       count,
		},
	}
}

func recv(t *testing.T, sub *events.Subscription) *events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "channel closed before expected event")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestCreatePersistsTaskAndPlaceholders(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 3))
	require.NoError(t, err)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, stored.Status)
	assert.Equal(t, 3, stored.TotalCount)
	assert.Equal(t, 0, stored.CompletedCount)
	assert.NotEmpty(t, stored.ConfigSnapshot)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.Equal(t, i, img.Index)
		assert.Equal(t, types.ImageStatusPending, img.Status)
	}

	assert.Equal(t, []string{task.ID}, fx.pool.submitted)

	_, ok := fx.bus.Subscribe(task.ID)
	assert.True(t, ok, "topic must be open after create")
}

func TestCreateClampsCount(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 250))
	require.NoError(t, err)
	assert.Equal(t, types.MaxImageCount, task.TotalCount)

	task, err = fx.mgr.Create(context.Background(), generateReq("stub", 0))
	require.NoError(t, err)
	assert.Equal(t, types.MinImageCount, task.TotalCount)
}

func TestCreateUnknownProvider(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{})

	_, err := fx.mgr.Create(context.Background(), generateReq("nope", 1))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnknownProvider))

	tasks, total, err := fx.store.ListTasks(types.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Zero(t, total)
}

func TestCreateQueueFullRollsBack(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})
	fx.pool.submitErr = errdefs.E(errdefs.KindQueueFull, "queue is full")

	_, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))

	tasks, total, err := fx.store.ListTasks(types.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected submission must leave no rows")
	assert.Zero(t, total)
}

func TestRunHappyPath(t *testing.T) {
	stub := provider.NewStub("stub")
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 3))
	require.NoError(t, err)

	sub, ok := fx.bus.Subscribe(task.ID)
	require.True(t, ok)

	fx.mgr.Run(context.Background(), task.ID)

	ev := recv(t, sub)
	assert.Equal(t, events.KindStart, ev.Kind)
	assert.Equal(t, 3, ev.Total)

	for i := 1; i <= 3; i++ {
		ev = recv(t, sub)
		assert.Equal(t, events.KindProgress, ev.Kind)
		assert.Equal(t, i, ev.Completed)
		require.NotNil(t, ev.Image)
		assert.Equal(t, types.ImageStatusSuccess, ev.Image.Status)
	}

	ev = recv(t, sub)
	assert.Equal(t, events.KindComplete, ev.Kind)
	assert.Equal(t, 3, ev.ImagesCount)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.CompletedCount)
	require.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.ErrorMessage)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for _, img := range images {
		assert.Equal(t, types.ImageStatusSuccess, img.Status)
		assert.Equal(t, 1024, img.Width)
		assert.Equal(t, 1024, img.Height)
		assert.NotEmpty(t, img.ThumbPath)

		abs, err := fx.files.Resolve(img.ContentPath)
		require.NoError(t, err)
		_, err = os.Stat(abs)
		assert.NoError(t, err, "image bytes must exist on disk")
	}

	assert.Equal(t, 3, stub.Calls())
}

func TestRunPartialFailure(t *testing.T) {
	stub := provider.NewStub("stub",
		provider.StubOutcome{},
		provider.StubOutcome{Err: errdefs.E(errdefs.KindUpstreamTransient, "upstream still failing after 3 retries")},
	)
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)

	sub, ok := fx.bus.Subscribe(task.ID)
	require.True(t, ok)

	fx.mgr.Run(context.Background(), task.ID)

	assert.Equal(t, events.KindStart, recv(t, sub).Kind)
	assert.Equal(t, 1, recv(t, sub).Completed)
	ev := recv(t, sub)
	assert.Equal(t, events.KindProgress, ev.Kind)
	assert.Equal(t, 2, ev.Completed)
	assert.Nil(t, ev.Image, "failed image carries no payload")
	assert.Equal(t, events.KindComplete, recv(t, sub).Kind)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPartial, stored.Status)
	assert.Equal(t, 2, stored.CompletedCount)
	assert.NotEmpty(t, stored.ErrorMessage)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, types.ImageStatusSuccess, images[0].Status)
	assert.Equal(t, types.ImageStatusFailed, images[1].Status)
}

func TestRunAllFailed(t *testing.T) {
	refusal := errdefs.E(errdefs.KindUpstreamRefused, "content policy refusal")
	stub := provider.NewStub("stub",
		provider.StubOutcome{Err: refusal},
		provider.StubOutcome{Err: refusal},
	)
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)

	sub, ok := fx.bus.Subscribe(task.ID)
	require.True(t, ok)

	fx.mgr.Run(context.Background(), task.ID)

	assert.Equal(t, events.KindStart, recv(t, sub).Kind)
	recv(t, sub)
	recv(t, sub)
	ev := recv(t, sub)
	assert.Equal(t, events.KindError, ev.Kind)
	assert.Equal(t, "content policy refusal", ev.Message)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stored.Status)
	assert.Equal(t, "content policy refusal", stored.ErrorMessage)
	assert.Equal(t, 2, stored.CompletedCount)
}

func TestRunCanceledMidFlight(t *testing.T) {
	stub := provider.NewStub("stub",
		provider.StubOutcome{},
		provider.StubOutcome{},
		provider.StubOutcome{Delay: 10 * time.Second},
		provider.StubOutcome{Delay: 10 * time.Second},
		provider.StubOutcome{Delay: 10 * time.Second},
	)
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 5))
	require.NoError(t, err)

	sub, ok := fx.bus.Subscribe(task.ID)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.mgr.Run(ctx, task.ID)
		close(done)
	}()

	assert.Equal(t, events.KindStart, recv(t, sub).Kind)
	assert.Equal(t, 1, recv(t, sub).Completed)
	assert.Equal(t, 2, recv(t, sub).Completed)
	cancel()

	ev := recv(t, sub)
	assert.Equal(t, events.KindError, ev.Kind)
	assert.Equal(t, "canceled", ev.Message)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stored.Status)
	assert.Equal(t, "canceled", stored.ErrorMessage)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 2, "pending placeholders must be swept")
	for _, img := range images {
		assert.Equal(t, types.ImageStatusSuccess, img.Status)
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)

	sub, ok := fx.bus.Subscribe(task.ID)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx.mgr.Run(ctx, task.ID)

	ev := recv(t, sub)
	assert.Equal(t, events.KindError, ev.Kind)
	assert.Equal(t, "canceled", ev.Message)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stored.Status)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestRunTaskDeadline(t *testing.T) {
	stub := provider.NewStub("stub", provider.StubOutcome{Delay: 5 * time.Second})
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	req := generateReq("stub", 1)
	req.TimeoutSeconds = 1
	task, err := fx.mgr.Create(context.Background(), req)
	require.NoError(t, err)

	start := time.Now()
	fx.mgr.Run(context.Background(), task.ID)
	assert.Less(t, time.Since(start), 3*time.Second)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stored.Status)
	assert.Equal(t, "task deadline exceeded", stored.ErrorMessage)
}

func TestDeleteNonTerminalCancels(t *testing.T) {
	stub := provider.NewStub("stub",
		provider.StubOutcome{},
		provider.StubOutcome{Delay: 10 * time.Second},
	)
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fx.pool.bind(task.ID, cancel)

	sub, ok := fx.bus.Subscribe(task.ID)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		fx.mgr.Run(ctx, task.ID)
		close(done)
	}()

	assert.Equal(t, events.KindStart, recv(t, sub).Kind)
	assert.Equal(t, 1, recv(t, sub).Completed)

	require.NoError(t, fx.mgr.Delete(context.Background(), task.ID))
	assert.Equal(t, []string{task.ID}, fx.pool.canceled)

	ev := recv(t, sub)
	assert.Equal(t, events.KindError, ev.Kind)
	<-done

	// The row and its landed image survive a cancel-delete
	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stored.Status)
	assert.Equal(t, "canceled", stored.ErrorMessage)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, types.ImageStatusSuccess, images[0].Status)
}

func TestDeleteTerminalCascades(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)
	fx.mgr.Run(context.Background(), task.ID)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 2)
	abs, err := fx.files.Resolve(images[0].ContentPath)
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Delete(context.Background(), task.ID))

	_, err = fx.store.GetTask(task.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	remaining, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = os.Stat(abs)
	assert.True(t, os.IsNotExist(err), "byte files must be removed")

	// Idempotent
	assert.NoError(t, fx.mgr.Delete(context.Background(), task.ID))
}

func TestDeleteMissingTaskIsNoop(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{})
	assert.NoError(t, fx.mgr.Delete(context.Background(), "missing"))
}

func TestDeleteImageCascadesEmptyTask(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)
	fx.mgr.Run(context.Background(), task.ID)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 2)

	require.NoError(t, fx.mgr.DeleteImage(context.Background(), images[0].ID))
	_, err = fx.store.GetTask(task.ID)
	assert.NoError(t, err, "task must survive while images remain")

	require.NoError(t, fx.mgr.DeleteImage(context.Background(), images[1].ID))
	_, err = fx.store.GetTask(task.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound), "last image takes the task with it")

	// Idempotent
	assert.NoError(t, fx.mgr.DeleteImage(context.Background(), images[1].ID))
}

func TestDeleteImageRefusedWhileRunning(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 1))
	require.NoError(t, err)

	images, err := fx.store.ListImagesByTask(task.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)

	err = fx.mgr.DeleteImage(context.Background(), images[0].ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidParams))
}

func TestRefPathsReadAtCreate(t *testing.T) {
	stub := provider.NewStub("stub")
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	refPath := filepath.Join(fx.dir, "ref.png")
	require.NoError(t, os.WriteFile(refPath, provider.StubPNG(8, 8), 0o644))

	req := generateReq("stub", 1)
	req.RefPaths = []string{refPath}
	task, err := fx.mgr.Create(context.Background(), req)
	require.NoError(t, err)

	fx.mgr.Run(context.Background(), task.ID)

	params := stub.Params()
	require.Len(t, params, 1)
	require.Len(t, params[0].RefImages, 1)
	assert.Equal(t, "image/png", params[0].RefImages[0].MIME)
	assert.NotEmpty(t, params[0].RefImages[0].Data)

	stored, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Len(t, stored.RefImages, 1)
	assert.Equal(t, refPath, stored.RefImages[0].Path)
}

func TestRefPathOutsideRootRejected(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	req := generateReq("stub", 1)
	req.RefPaths = []string{"/etc/passwd"}
	_, err := fx.mgr.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidParams))

	tasks, _, err := fx.store.ListTasks(types.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestInlineRefsReachAdapter(t *testing.T) {
	stub := provider.NewStub("stub")
	fx := newFixture(t, provider.StaticSource{"stub": stub})

	req := generateReq("stub", 1)
	req.Params.RefImages = []types.RefData{
		{Data: []byte("first"), MIME: "image/png"},
		{Data: []byte("second"), MIME: "image/jpeg"},
	}
	task, err := fx.mgr.Create(context.Background(), req)
	require.NoError(t, err)

	fx.mgr.Run(context.Background(), task.ID)

	params := stub.Params()
	require.Len(t, params, 1)
	require.Len(t, params[0].RefImages, 2)
	assert.Equal(t, []byte("first"), params[0].RefImages[0].Data)
	assert.Equal(t, []byte("second"), params[0].RefImages[1].Data)
}

func TestListTasksPaged(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	for i := 0; i < 3; i++ {
		task, err := fx.mgr.Create(context.Background(), generateReq("stub", 1))
		require.NoError(t, err)
		fx.mgr.Run(context.Background(), task.ID)
		time.Sleep(5 * time.Millisecond) // distinct CreatedAt ordering
	}

	page, err := fx.mgr.ListTasks(context.Background(), types.TaskFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	require.Len(t, page.Items[0].Images, 1)

	page, err = fx.mgr.ListTasks(context.Background(), types.TaskFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestGetTaskWithImages(t *testing.T) {
	fx := newFixture(t, provider.StaticSource{"stub": provider.NewStub("stub")})

	task, err := fx.mgr.Create(context.Background(), generateReq("stub", 2))
	require.NoError(t, err)
	fx.mgr.Run(context.Background(), task.ID)

	got, err := fx.mgr.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.Task.ID)
	assert.Len(t, got.Images, 2)

	_, err = fx.mgr.GetTask(context.Background(), "missing")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}
