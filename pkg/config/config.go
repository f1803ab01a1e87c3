package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/imagegend/pkg/network"
	"github.com/cuemby/imagegend/pkg/types"
)

// Config holds the full process configuration. Values are resolved in
// order: defaults, config file, environment, CLI flags.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Storage   StorageConfig          `yaml:"storage"`
	Workers   WorkersConfig          `yaml:"workers"`
	Events    EventsConfig           `yaml:"events"`
	Log       LogConfig              `yaml:"log"`
	Providers []types.ProviderConfig `yaml:"providers"`
	Templates TemplatesConfig        `yaml:"templates"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PortScanRange int    `yaml:"portScanRange"`
	BasePath      string `yaml:"basePath"`
	Containerized bool   `yaml:"containerized"`
	ParentMonitor bool   `yaml:"parentMonitor"`
}

// StorageConfig controls the byte store and metadata store locations
type StorageConfig struct {
	WorkDir          string `yaml:"workDir"`
	Thumbnails       bool   `yaml:"thumbnails"`
	ThumbnailMaxEdge int    `yaml:"thumbnailMaxEdge"`
	RefRoot          string `yaml:"refRoot"`
}

// WorkersConfig controls the generation worker pool
type WorkersConfig struct {
	Count                int `yaml:"count"`
	QueueSize            int `yaml:"queueSize"`
	ShutdownGraceSeconds int `yaml:"shutdownGraceSeconds"`
}

// EventsConfig controls the progress bus
type EventsConfig struct {
	GraceSeconds     int `yaml:"graceSeconds"`
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

// LogConfig controls structured logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TemplatesConfig controls the read-only template catalog
type TemplatesConfig struct {
	URL            string `yaml:"url"`
	RefreshSeconds int    `yaml:"refreshSeconds"`
}

const (
	// DefaultPort is where the backend listens unless overridden
	DefaultPort = 8960

	// DefaultPortScanRange bounds the upward port scan when the
	// configured port is taken
	DefaultPortScanRange = 10

	// DefaultBasePath prefixes every API route
	DefaultBasePath = "/api/v1"

	// DefaultWorkerCount is the fixed worker pool size
	DefaultWorkerCount = 6

	// DefaultQueueSize bounds the submission queue
	DefaultQueueSize = 100

	// DefaultShutdownGraceSeconds bounds the in-flight drain on shutdown
	DefaultShutdownGraceSeconds = 5

	// DefaultEventGraceSeconds keeps a terminal topic alive for late
	// subscribers
	DefaultEventGraceSeconds = 30

	// DefaultSubscriberBuffer is the per-subscriber event channel depth
	DefaultSubscriberBuffer = 64

	// DefaultThumbnailMaxEdge bounds thumbnail dimensions
	DefaultThumbnailMaxEdge = 320
)

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "",
			Port:          DefaultPort,
			PortScanRange: DefaultPortScanRange,
			BasePath:      DefaultBasePath,
		},
		Storage: StorageConfig{
			WorkDir:          ".",
			Thumbnails:       true,
			ThumbnailMaxEdge: DefaultThumbnailMaxEdge,
		},
		Workers: WorkersConfig{
			Count:                DefaultWorkerCount,
			QueueSize:            DefaultQueueSize,
			ShutdownGraceSeconds: DefaultShutdownGraceSeconds,
		},
		Events: EventsConfig{
			GraceSeconds:     DefaultEventGraceSeconds,
			SubscriberBuffer: DefaultSubscriberBuffer,
		},
		Log: LogConfig{
			Level: "info",
		},
		Templates: TemplatesConfig{
			RefreshSeconds: 3600,
		},
	}
}

// Load reads the config file at path over the defaults and applies
// environment overrides. An empty path loads defaults only; a named file
// that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrInit behaves like Load, but a missing file is written with the
// defaults instead of failing. Used on first boot.
func LoadOrInit(path string) (*Config, error) {
	if path == "" {
		return Load("")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	c.Server.Containerized = network.Containerized(c.Server.Containerized)
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.PortScanRange < 0 {
		return fmt.Errorf("invalid port scan range: %d", c.Server.PortScanRange)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.Workers.QueueSize)
	}
	if c.Workers.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("invalid shutdown grace: %d", c.Workers.ShutdownGraceSeconds)
	}
	if c.Storage.WorkDir == "" {
		return fmt.Errorf("storage work directory must not be empty")
	}
	if c.Storage.Thumbnails && c.Storage.ThumbnailMaxEdge < 16 {
		return fmt.Errorf("thumbnail edge too small: %d", c.Storage.ThumbnailMaxEdge)
	}
	return nil
}

// BindHost resolves the address the listener binds to. SERVER_HOST wins;
// containerized processes bind all interfaces, everything else loopback.
func (c *Config) BindHost() string {
	if c.Server.Host != "" {
		return c.Server.Host
	}
	if c.Server.Containerized {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// RefRoot resolves the directory reference-image paths must live under
func (c *Config) RefRoot() string {
	if c.Storage.RefRoot != "" {
		return c.Storage.RefRoot
	}
	return c.Storage.WorkDir
}
