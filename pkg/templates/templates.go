package templates

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/imagegend/pkg/log"
	"github.com/cuemby/imagegend/pkg/types"
)

//go:embed seed.json
var seedJSON []byte

const (
	// DefaultRefreshSeconds is the catalog cache TTL
	DefaultRefreshSeconds = 3600

	// fetchTimeout bounds one upstream catalog request
	fetchTimeout = 10 * time.Second
)

// Config controls the optional upstream catalog source
type Config struct {
	// URL is the upstream catalog endpoint; empty serves the embedded
	// seed only
	URL string
	// RefreshSeconds is the cache TTL between upstream fetch attempts
	RefreshSeconds int
}

// Filter narrows a catalog listing
type Filter struct {
	Category string
	Keyword  string
}

// Catalog is one template listing snapshot
type Catalog struct {
	Meta  types.TemplateMeta `json:"meta"`
	Items []*types.Template  `json:"items"`
}

// Service serves the read-only template catalog. Items come from the
// embedded seed and are optionally refreshed from a configured upstream
// URL; a failed refresh keeps serving whatever was cached.
type Service struct {
	cfg    Config
	client *http.Client

	mu        sync.RWMutex
	items     []*types.Template
	updatedAt time.Time
	source    string
	// attemptedAt gates upstream fetches so a dead upstream is not
	// hammered on every request
	attemptedAt time.Time
}

// New creates the template service from the embedded seed
func New(cfg Config) (*Service, error) {
	items, err := decodeItems(seedJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}
	if cfg.RefreshSeconds <= 0 {
		cfg.RefreshSeconds = DefaultRefreshSeconds
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = fetchTimeout
	rc.Logger = log.NewLeveled("templates")

	return &Service{
		cfg:       cfg,
		client:    rc.StandardClient(),
		items:     items,
		updatedAt: time.Now().UTC(),
		source:    "embedded",
	}, nil
}

// List returns the catalog narrowed by filter. When an upstream URL is
// configured the cache is refreshed first if it is stale or refresh is
// forced.
func (s *Service) List(ctx context.Context, filter Filter, refresh bool) (*Catalog, error) {
	s.maybeRefresh(ctx, refresh)

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*types.Template, 0, len(s.items))
	for _, t := range s.items {
		if !matches(t, filter) {
			continue
		}
		items = append(items, t)
	}

	return &Catalog{
		Meta: types.TemplateMeta{
			Total:     len(items),
			UpdatedAt: s.updatedAt,
			Source:    s.source,
		},
		Items: items,
	}, nil
}

// maybeRefresh fetches the upstream catalog when one is configured and
// the cache TTL has passed. Failures log and leave the cache untouched.
func (s *Service) maybeRefresh(ctx context.Context, force bool) {
	if s.cfg.URL == "" {
		return
	}

	ttl := time.Duration(s.cfg.RefreshSeconds) * time.Second
	s.mu.Lock()
	if !force && time.Since(s.attemptedAt) < ttl {
		s.mu.Unlock()
		return
	}
	s.attemptedAt = time.Now()
	s.mu.Unlock()

	items, err := s.fetch(ctx)
	if err != nil {
		logger := log.WithComponent("templates")
		logger.Warn().
			Err(err).
			Str("url", s.cfg.URL).
			Msg("Failed to refresh template catalog, serving cached")
		return
	}

	s.mu.Lock()
	s.items = items
	s.updatedAt = time.Now().UTC()
	s.source = s.cfg.URL
	s.mu.Unlock()

	logger := log.WithComponent("templates")
	logger.Info().
		Int("count", len(items)).
		Msg("Template catalog refreshed")
}

func (s *Service) fetch(ctx context.Context) ([]*types.Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch template catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("template catalog returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog body: %w", err)
	}
	return decodeItems(body)
}

// decodeItems accepts either a bare array of templates or a catalog
// object wrapping one
func decodeItems(data []byte) ([]*types.Template, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Items []*types.Template `json:"items"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode template catalog: %w", err)
		}
		return wrapped.Items, nil
	}

	var items []*types.Template
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode template list: %w", err)
	}
	return items, nil
}

func matches(t *types.Template, filter Filter) bool {
	if filter.Category != "" && !strings.EqualFold(t.Category, filter.Category) {
		return false
	}
	if filter.Keyword == "" {
		return true
	}

	kw := strings.ToLower(filter.Keyword)
	if strings.Contains(strings.ToLower(t.Name), kw) ||
		strings.Contains(strings.ToLower(t.Prompt), kw) ||
		strings.Contains(strings.ToLower(t.Description), kw) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), kw) {
			return true
		}
	}
	return false
}
