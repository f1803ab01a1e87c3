package framework

import (
	"github.com/cuemby/imagegend/pkg/provider"
	"github.com/cuemby/imagegend/pkg/server"
)

// BackendConfig defines the configuration for a test backend
type BackendConfig struct {
	// WorkDir is the working directory for the metadata store and image
	// bytes. Empty means the backend creates (and removes) a temp dir.
	WorkDir string
	// Workers is the worker pool size (0 uses the harness default)
	Workers int
	// QueueSize caps the pending task queue (0 uses the harness default)
	QueueSize int
	// GraceSeconds bounds how long shutdown waits for in-flight work
	GraceSeconds int
	// Outcomes scripts the stub provider, one entry per Generate call;
	// calls beyond the script succeed with a synthesized image
	Outcomes []provider.StubOutcome
	// LogLevel sets the logging level for the embedded server
	LogLevel string
}

// Backend is one in-process service instance under test
type Backend struct {
	// Config is the backend configuration
	Config *BackendConfig
	// Client talks to the backend over its HTTP API
	Client *Client
	// Stub is the scripted adapter serving every generation request
	Stub *provider.Stub
	// WorkDir is the directory holding the metadata store and byte files
	WorkDir string

	srv      *server.Server
	cancel   func()
	done     chan error
	ownedDir bool
	stopped  bool
}

// TestingT is an interface matching testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
}
