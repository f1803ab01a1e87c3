package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/imagegend/pkg/api"
	"github.com/cuemby/imagegend/pkg/config"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/manager"
	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/network"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/reconciler"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/templates"
	"github.com/cuemby/imagegend/pkg/worker"
)

// httpShutdownTimeout bounds the in-flight HTTP drain. SSE streams see
// their request context cancel first, so this rarely runs out.
const httpShutdownTimeout = 10 * time.Second

// sweepTimeout bounds the shutdown reconciliation pass
const sweepTimeout = 5 * time.Second

type options struct {
	version    string
	directory  api.Directory
	parentIn   io.Reader
	configPath string
}

// Option customizes server construction
type Option func(*options)

// WithVersion sets the version string the health endpoint reports
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithDirectory substitutes the provider registry. Tests inject stub
// adapter sets through it.
func WithDirectory(d api.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithParentInput substitutes the stdin stream the parent monitor
// watches for EOF
func WithParentInput(r io.Reader) Option {
	return func(o *options) { o.parentIn = r }
}

// WithConfigPath enables the config file watcher. Only the providers
// section hot-reloads; everything else takes effect on restart.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// Server assembles the whole backend: metadata and byte stores, event
// bus, provider registry, task manager, worker pool, reconciler, and
// the HTTP transport. One Server per process.
type Server struct {
	cfg *config.Config

	store     *storage.BoltStore
	files     *storage.FileStore
	bus       *events.Bus
	registry  *provider.Registry
	directory api.Directory
	mgr       *manager.Manager
	pool      *worker.Pool
	rec       *reconciler.Reconciler
	api       *api.Server
	watcher   *config.Watcher
	collector *metrics.Collector

	parentIn   io.Reader
	configPath string

	lis  net.Listener
	port int
}

// New builds the component graph and opens the stores. The listener is
// not bound yet; call Listen or let Run do it.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	if err := os.MkdirAll(cfg.Storage.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.Storage.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	files, err := storage.NewFileStore(cfg.Storage.WorkDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open byte store: %w", err)
	}

	bus := events.NewBus(cfg.Events.SubscriberBuffer, time.Duration(cfg.Events.GraceSeconds)*time.Second)

	directory := o.directory
	var registry *provider.Registry
	if directory == nil {
		registry = provider.NewRegistry(store, cfg.Providers)
		directory = registry
	}

	mgr, err := manager.New(manager.Config{
		Store:            store,
		Files:            files,
		Providers:        directory,
		Bus:              bus,
		Thumbnails:       cfg.Storage.Thumbnails,
		ThumbnailMaxEdge: cfg.Storage.ThumbnailMaxEdge,
		RefRoot:          cfg.RefRoot(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	pool := worker.New(cfg.Workers.Count, cfg.Workers.QueueSize, mgr)
	mgr.AttachPool(pool)

	tmpl, err := templates.New(templates.Config{
		URL:            cfg.Templates.URL,
		RefreshSeconds: cfg.Templates.RefreshSeconds,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	apiSrv, err := api.New(api.Config{
		Manager:   mgr,
		Store:     store,
		Files:     files,
		Bus:       bus,
		Providers: directory,
		Templates: tmpl,
		BasePath:  cfg.Server.BasePath,
		Version:   o.version,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		store:      store,
		files:      files,
		bus:        bus,
		registry:   registry,
		directory:  directory,
		mgr:        mgr,
		pool:       pool,
		rec:        reconciler.New(store, files),
		api:        apiSrv,
		parentIn:   o.parentIn,
		configPath: o.configPath,
	}, nil
}

// Listen binds the HTTP listener, scanning past busy ports within the
// configured range
func (s *Server) Listen() error {
	host := s.cfg.BindHost()
	lis, port, err := network.Listen(host, s.cfg.Server.Port, s.cfg.Server.PortScanRange)
	if err != nil {
		return err
	}
	s.lis = lis
	s.port = port
	return nil
}

// Port returns the bound port, valid after Listen
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address, valid after Listen
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Run serves until ctx cancels or the listener fails, then tears the
// assembly down in order: stop intake, drain in-flight work within the
// grace window, finalize whatever remains as interrupted, close the
// stores. Interrupted rows from a previous process are settled before
// the listener accepts the first request.
func (s *Server) Run(ctx context.Context) error {
	if s.lis == nil {
		if err := s.Listen(); err != nil {
			s.teardown()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.registry != nil {
		if err := s.registry.Reload(runCtx); err != nil {
			_ = s.lis.Close()
			s.teardown()
			return err
		}
	}

	if err := s.rec.Run(runCtx); err != nil {
		_ = s.lis.Close()
		s.teardown()
		return fmt.Errorf("failed to reconcile interrupted tasks: %w", err)
	}

	s.pool.Start()

	s.collector = metrics.NewCollector(s.store)
	s.collector.Start()

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath, s.onConfigChange)
		if err != nil {
			logger := log.WithComponent("server")
			logger.Warn().Err(err).Msg("Config watcher unavailable")
		} else {
			s.watcher = watcher
			watcher.Start()
		}
	}

	if s.cfg.Server.ParentMonitor {
		in := s.parentIn
		if in == nil {
			in = os.Stdin
		}
		// The read blocks until the parent closes its end of the pipe.
		// The goroutine holds nothing worth reclaiming before exit.
		go func() {
			_, _ = io.Copy(io.Discard, in)
			logger := log.WithComponent("server")
			logger.Info().Msg("Parent closed stdin, shutting down")
			cancel()
		}()
	}

	httpSrv := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts descend from runCtx so SSE streams unwind as
		// soon as shutdown starts instead of holding the drain open.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger := log.WithComponent("server")
		logger.Info().
			Str("addr", s.lis.Addr().String()).
			Str("base_path", s.api.BasePath()).
			Msg("HTTP server started")
		if err := httpSrv.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer shutCancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			_ = httpSrv.Close()
			logger := log.WithComponent("server")
			logger.Warn().Err(err).Msg("HTTP drain incomplete, connections dropped")
		}
		return nil
	})

	err := g.Wait()
	s.teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// onConfigChange runs on the watcher goroutine after a successful
// reload of the config file
func (s *Server) onConfigChange(cfg *config.Config) {
	if s.registry == nil {
		return
	}
	s.registry.UpdateFileConfigs(cfg.Providers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.registry.Reload(ctx); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("Provider reload after config change failed")
	}
}

// teardown runs the ordered stop sequence. Safe to call once, whether
// or not the pool ever started.
func (s *Server) teardown() {
	grace := time.Duration(s.cfg.Workers.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = config.DefaultShutdownGraceSeconds * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.pool.Shutdown(drainCtx); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("Worker drain incomplete")
	}

	// Rows the drain did not finalize would read as interrupted on the
	// next boot anyway; settle them now so this boot leaves a consistent
	// gallery behind.
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer sweepCancel()
	if err := s.rec.Run(sweepCtx); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("Shutdown sweep failed")
	}

	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	if s.collector != nil {
		s.collector.Stop()
		s.collector = nil
	}
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("Failed to close metadata store")
	}
	log.WithComponent("server").Info().Msg("Server stopped")
}
