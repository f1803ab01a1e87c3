package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/types"
)

// ConfigStore is the slice of the metadata store the registry reads
// provider configurations from and seeds defaults into
type ConfigStore interface {
	ListProviderConfigs() ([]*types.ProviderConfig, error)
	UpsertProviderConfig(cfg *types.ProviderConfig) error
}

// seedConfigs are the providers every installation knows about. They
// land in the store disabled and without credentials so the UI can list
// them before the user configures anything.
func seedConfigs() []types.ProviderConfig {
	return []types.ProviderConfig{
		{Name: "gemini", DisplayName: "Gemini", Enabled: false},
		{Name: "openai", DisplayName: "OpenAI", Enabled: false},
	}
}

// Registry resolves provider names to live adapters. Reload builds a
// fresh adapter map and swaps it in atomically, so readers always see
// either the old or the new set, never a half-built one.
type Registry struct {
	store    ConfigStore
	fileCfgs []types.ProviderConfig

	mu       sync.RWMutex
	adapters map[string]Provider
	configs  map[string]types.ProviderConfig
}

// NewRegistry creates an empty registry. Call Reload before serving.
// fileCfgs come from the config file and are overridden by store rows
// with the same name.
func NewRegistry(store ConfigStore, fileCfgs []types.ProviderConfig) *Registry {
	return &Registry{
		store:    store,
		fileCfgs: fileCfgs,
		adapters: make(map[string]Provider),
		configs:  make(map[string]types.ProviderConfig),
	}
}

// Reload rebuilds the adapter set from the config file and the metadata
// store. Store rows win over file entries; default providers are seeded
// into the store when absent. Adapters that fail to initialize are
// skipped and logged, never fatal: one broken credential must not take
// down the rest.
func (r *Registry) Reload(ctx context.Context) error {
	logger := log.WithComponent("registry")

	r.mu.RLock()
	fileCfgs := r.fileCfgs
	r.mu.RUnlock()

	effective := make(map[string]types.ProviderConfig)
	for _, seed := range seedConfigs() {
		effective[seed.Name] = seed
	}
	for _, cfg := range fileCfgs {
		if cfg.Name == "" {
			logger.Warn().Msg("Skipping provider config without a name")
			continue
		}
		effective[cfg.Name] = cfg
	}

	stored, err := r.store.ListProviderConfigs()
	if err != nil {
		return errdefs.Wrap(errdefs.KindIOError, err, "failed to load provider configs")
	}
	storedNames := make(map[string]bool, len(stored))
	for _, cfg := range stored {
		storedNames[cfg.Name] = true
		effective[cfg.Name] = *cfg
	}

	// First boot: persist the defaults so the configuration API has rows
	// to update in place
	for _, seed := range seedConfigs() {
		if storedNames[seed.Name] {
			continue
		}
		seed := seed
		if err := r.store.UpsertProviderConfig(&seed); err != nil {
			return errdefs.Wrap(errdefs.KindIOError, err, "failed to seed provider config")
		}
	}

	adapters := make(map[string]Provider, len(effective))
	for name, cfg := range effective {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.KindCanceled, err, "registry reload canceled")
		}
		if !cfg.Enabled || cfg.APIKey == "" {
			continue
		}
		adapter, err := New(cfg)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("provider", name).
				Msg("Skipping provider that failed to initialize")
			continue
		}
		adapters[name] = adapter
	}

	r.mu.Lock()
	r.adapters = adapters
	r.configs = effective
	r.mu.Unlock()

	logger.Info().
		Int("known", len(effective)).
		Int("live", len(adapters)).
		Msg("Provider registry reloaded")
	return nil
}

// UpdateFileConfigs replaces the config-file provider entries used by
// the next Reload. The config watcher calls this when the file changes.
func (r *Registry) UpdateFileConfigs(cfgs []types.ProviderConfig) {
	r.mu.Lock()
	r.fileCfgs = append([]types.ProviderConfig(nil), cfgs...)
	r.mu.Unlock()
}

// Get returns the live adapter for name. Unknown names and providers
// without a usable configuration both answer with an unknown-provider
// error so the transport maps them to one stable code.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	adapter, live := r.adapters[name]
	_, known := r.configs[name]
	r.mu.RUnlock()

	if live {
		return adapter, nil
	}
	if known {
		return nil, errdefs.Ef(errdefs.KindUnknownProvider, "provider %s is not configured", name)
	}
	return nil, errdefs.Ef(errdefs.KindUnknownProvider, "unknown provider: %s", name)
}

// List returns a stable snapshot of every known provider, configured or
// not, sorted by name
func (r *Registry) List() []types.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.ProviderInfo, 0, len(r.configs))
	for name, cfg := range r.configs {
		display := cfg.DisplayName
		if display == "" {
			display = name
		}
		infos = append(infos, types.ProviderInfo{
			Name:        name,
			DisplayName: display,
			Enabled:     cfg.Enabled,
			Configured:  cfg.APIKey != "",
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Configs returns copies of every effective provider configuration,
// sorted by name. Callers mask credentials before exposing them.
func (r *Registry) Configs() []types.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfgs := make([]types.ProviderConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		cfgs = append(cfgs, cfg)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	return cfgs
}
