package api

import (
	"net/http"
	"strings"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/types"
)

// maskedKey replaces stored credentials in config responses. Clients
// that send it back on upsert keep the stored key.
const maskedKey = "********"

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	respond(w, s.providers.List())
}

func (s *Server) handleGetProviderConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs := s.providers.Configs()
	for i := range cfgs {
		if cfgs[i].APIKey != "" {
			cfgs[i].APIKey = maskedKey
		}
	}
	respond(w, cfgs)
}

// handleUpsertProviderConfig persists one provider configuration and
// reloads the registry so the change takes effect without a restart.
// An empty APIKey clears the stored credential; the mask keeps it.
func (s *Server) handleUpsertProviderConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.ProviderConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, err)
		return
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		respondError(w, errdefs.E(errdefs.KindInvalidParams, "provider name is required"))
		return
	}

	if cfg.APIKey == maskedKey {
		stored, err := s.store.GetProviderConfig(cfg.Name)
		if err != nil && !errdefs.IsKind(err, errdefs.KindNotFound) {
			respondError(w, err)
			return
		}
		if stored != nil {
			cfg.APIKey = stored.APIKey
		} else {
			cfg.APIKey = ""
		}
	}

	if err := s.store.UpsertProviderConfig(&cfg); err != nil {
		respondError(w, errdefs.Wrap(errdefs.KindIOError, err, "failed to save provider config"))
		return
	}
	if err := s.providers.Reload(r.Context()); err != nil {
		respondError(w, err)
		return
	}

	if cfg.APIKey != "" {
		cfg.APIKey = maskedKey
	}
	respond(w, cfg)
}

type optimizeRequest struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type optimizeResponse struct {
	Prompt string `json:"prompt"`
}

// handleOptimizePrompt rewrites a prompt through the provider's text
// model. Providers without a text endpoint reject with invalid-params.
func (s *Server) handleOptimizePrompt(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, errdefs.E(errdefs.KindInvalidParams, "prompt must not be empty"))
		return
	}

	adapter, err := s.providers.Get(req.Provider)
	if err != nil {
		respondError(w, err)
		return
	}
	optimizer, ok := adapter.(provider.PromptOptimizer)
	if !ok {
		respondError(w, errdefs.Ef(errdefs.KindInvalidParams,
			"provider %s does not support prompt optimization", req.Provider))
		return
	}

	optimized, err := optimizer.OptimizePrompt(r.Context(), req.Model, req.Prompt)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, optimizeResponse{Prompt: optimized})
}
