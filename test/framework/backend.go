package framework

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/imagegend/pkg/client"
	"github.com/cuemby/imagegend/pkg/config"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/server"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/types"
)

// StubProvider is the provider name every test backend serves
const StubProvider = "stub"

// StubModel is the model identifier submitted with test generations
const StubModel = "stub-model"

// DefaultBackendConfig returns a default backend configuration
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{
		Workers:      2,
		QueueSize:    16,
		GraceSeconds: 5,
		LogLevel:     "error",
	}
}

// NewBackend creates a new test backend with the given configuration.
// Nil means defaults. The backend is not started.
func NewBackend(cfg *BackendConfig) (*Backend, error) {
	if cfg == nil {
		cfg = DefaultBackendConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.GraceSeconds <= 0 {
		cfg.GraceSeconds = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "error"
	}

	return &Backend{
		Config: cfg,
		Stub:   provider.NewStub(StubProvider, cfg.Outcomes...),
	}, nil
}

// Start boots the server on a random port and waits until its health
// endpoint answers. The HTTP client it leaves on b.Client has transport
// retries disabled so backpressure responses reach the test unmasked.
func (b *Backend) Start() error {
	workDir := b.Config.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "imagegend-e2e-*")
		if err != nil {
			return fmt.Errorf("failed to create work directory: %w", err)
		}
		workDir = dir
		b.ownedDir = true
	}
	b.WorkDir = workDir

	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.PortScanRange = 0
	cfg.Storage.WorkDir = workDir
	cfg.Workers.Count = b.Config.Workers
	cfg.Workers.QueueSize = b.Config.QueueSize
	cfg.Workers.ShutdownGraceSeconds = b.Config.GraceSeconds
	cfg.Log.Level = b.Config.LogLevel

	srv, err := server.New(cfg,
		server.WithVersion("e2e"),
		server.WithDirectory(stubDirectory{provider.StaticSource{StubProvider: b.Stub}}),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("failed to bind listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	b.srv = srv
	b.cancel = cancel
	b.done = done
	b.stopped = false

	base := "http://" + srv.Addr() + cfg.Server.BasePath
	c, err := client.New(base, client.WithRetryMax(0))
	if err != nil {
		b.stopped = true
		_ = b.shutdown()
		return fmt.Errorf("failed to create client: %w", err)
	}
	b.Client = NewClient(c)

	waiter := DefaultWaiter()
	err = waiter.WaitFor(ctx, func() bool {
		_, herr := b.Client.Health(context.Background())
		return herr == nil
	}, "backend to become healthy")
	if err != nil {
		b.stopped = true
		_ = b.shutdown()
		return err
	}
	return nil
}

// Stop shuts the server down gracefully and reports the run error.
// Safe to call more than once.
func (b *Backend) Stop() error {
	if b.stopped || b.srv == nil {
		return nil
	}
	b.stopped = true
	return b.shutdown()
}

func (b *Backend) shutdown() error {
	b.cancel()
	select {
	case err := <-b.done:
		return err
	case <-time.After(15 * time.Second):
		return fmt.Errorf("backend did not stop within 15s")
	}
}

// Cleanup stops the backend and removes any temp directory it created
func (b *Backend) Cleanup() error {
	err := b.Stop()
	if b.ownedDir && b.WorkDir != "" {
		if rerr := os.RemoveAll(b.WorkDir); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// BaseURL returns the API base the backend is serving on
func (b *Backend) BaseURL() string {
	return b.Client.BaseURL()
}

// SeedStore opens the metadata and byte stores rooted at workDir, runs
// fn against them, and closes up. Tests use it to plant pre-boot state,
// the way a crashed process would have left it.
func SeedStore(workDir string, fn func(store *storage.BoltStore, files *storage.FileStore) error) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	store, err := storage.NewBoltStore(workDir)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	files, err := storage.NewFileStore(workDir)
	if err != nil {
		return fmt.Errorf("failed to open byte store: %w", err)
	}
	return fn(store, files)
}

// stubDirectory satisfies the API's provider directory around a fixed
// adapter set
type stubDirectory struct {
	provider.StaticSource
}

func (d stubDirectory) List() []types.ProviderInfo {
	infos := make([]types.ProviderInfo, 0, len(d.StaticSource))
	for name := range d.StaticSource {
		infos = append(infos, types.ProviderInfo{Name: name, Enabled: true, Configured: true})
	}
	return infos
}

func (d stubDirectory) Configs() []types.ProviderConfig { return nil }

func (d stubDirectory) Reload(ctx context.Context) error { return nil }
