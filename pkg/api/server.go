package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/manager"
	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/storage"
	"github.com/cuemby/imagegend/pkg/templates"
	"github.com/cuemby/imagegend/pkg/types"
)

const defaultBasePath = "/api/v1"

// Directory is the provider-registry surface the API consumes. It is
// satisfied by *provider.Registry and kept narrow so handler tests can
// swap in a fake.
type Directory interface {
	provider.Source
	List() []types.ProviderInfo
	Configs() []types.ProviderConfig
	Reload(ctx context.Context) error
}

// Config carries the collaborators the HTTP layer routes requests to.
type Config struct {
	Manager   *manager.Manager
	Store     storage.Store
	Files     *storage.FileStore
	Bus       *events.Bus
	Providers Directory
	Templates *templates.Service

	// BasePath prefixes every route except /metrics. Empty means /api/v1.
	BasePath string

	// Version is reported by the health endpoint.
	Version string
}

// Server exposes the task, image, provider and template operations over
// HTTP. All responses share the {code, message, data} envelope; errors
// carry the stable codes from pkg/errdefs.
type Server struct {
	manager   *manager.Manager
	store     storage.Store
	files     *storage.FileStore
	bus       *events.Bus
	providers Directory
	templates *templates.Service
	basePath  string
	version   string
}

// New creates an API server from its collaborators.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("failed to create api server: manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("failed to create api server: store is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("failed to create api server: file store is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("failed to create api server: event bus is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("failed to create api server: provider directory is required")
	}

	basePath := cfg.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")

	return &Server{
		manager:   cfg.Manager,
		store:     cfg.Store,
		files:     cfg.Files,
		bus:       cfg.Bus,
		providers: cfg.Providers,
		templates: cfg.Templates,
		basePath:  basePath,
		version:   cfg.Version,
	}, nil
}

// BasePath returns the normalized route prefix.
func (s *Server) BasePath() string {
	return s.basePath
}

// Handler builds the full route tree. Metrics stay at the root so
// scrapers do not depend on the configurable prefix.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", metrics.Handler())

	r.Route(s.basePath, func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/providers", s.handleListProviders)
		r.Get("/providers/config", s.handleGetProviderConfigs)
		r.Post("/providers/config", s.handleUpsertProviderConfig)

		r.Post("/tasks/generate", s.handleGenerate)
		r.Post("/tasks/generate-with-images", s.handleGenerateWithImages)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleDeleteTask)
		r.Get("/tasks/{id}/stream", s.handleStream)

		r.Get("/images", s.handleListImages)
		r.Delete("/images/{id}", s.handleDeleteImage)
		r.Get("/images/{id}/download", s.handleDownloadImage)
		r.Post("/images/export", s.handleExportImages)

		r.Post("/prompts/optimize", s.handleOptimizePrompt)

		r.Get("/templates", s.handleListTemplates)

		r.Handle("/storage/*", s.storageHandler())
	})

	return r
}

// storageHandler serves generated bytes straight from the work
// directory so clients can fetch content_path URLs without the
// download endpoint.
func (s *Server) storageHandler() http.Handler {
	root := filepath.Join(s.files.Root(), "storage")
	fs := http.FileServer(http.Dir(root))
	return http.StripPrefix(s.basePath+"/storage/", fs)
}
