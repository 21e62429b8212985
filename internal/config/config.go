// Package config defines the dirty pool's runtime configuration, the Go
// counterpart of gunicorn's dirty_* settings
// (original_source/gunicorn/config.py) plus the hook callbacks
// arbiter.py invokes at lifecycle points.
package config

import (
	"time"

	"github.com/dirtypool/dirtypool/internal/apps"
)

// HookFunc is a lifecycle callback invoked by the arbiter. ctx gives the
// hook access to the arbiter's logger; it carries no deadline.
type HookFunc func(ctx hookContext)

// hookContext is the minimal surface hooks need; kept as an interface so
// internal/arbiter can pass its own concrete type without an import cycle.
type hookContext interface {
	Logf(format string, args ...any)
}

// Config holds the tunables spec.md §2/§6 names, plus hook slots.
type Config struct {
	// SocketPath is the Unix domain socket the arbiter listens on and
	// clients connect to. Empty means derive one under os.TempDir().
	SocketPath string

	// DirtyApps lists the app specs to load, in "module:Class[:N]" form.
	DirtyApps []string

	// DirtyWorkers is the target pool size (spec.md's num_workers).
	DirtyWorkers int

	// DirtyThreads bounds the per-worker goroutine dispatch pool size.
	DirtyThreads int

	// DirtyTimeout is the worker heartbeat timeout; a worker silent for
	// longer than this is presumed dead and murdered.
	DirtyTimeout time.Duration

	// DirtyGracefulTimeout bounds how long a graceful shutdown waits for
	// worker processes to exit after SIGINT before escalating to SIGKILL.
	// A worker stops on SIGINT without waiting for its in-flight request.
	DirtyGracefulTimeout time.Duration

	// Registry resolves app import paths to factories. Defaults to
	// apps.DefaultRegistry() when nil.
	Registry *apps.Registry

	// Hooks, invoked at the points named by spec.md §6's hook table.
	OnStarting    HookFunc
	OnReload      HookFunc
	WorkerBoot    HookFunc
	WorkerExit    HookFunc

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string
	// LogJSON selects JSON vs console log output.
	LogJSON bool
}

// Default returns a Config with spec.md's documented defaults applied.
func Default() Config {
	return Config{
		DirtyWorkers:         1,
		DirtyThreads:         1,
		DirtyTimeout:         30 * time.Second,
		DirtyGracefulTimeout: 30 * time.Second,
		LogLevel:             "info",
	}
}

// AppRegistry returns cfg.Registry, or the package default registry when
// unset.
func (cfg Config) AppRegistry() *apps.Registry {
	if cfg.Registry != nil {
		return cfg.Registry
	}
	return apps.DefaultRegistry()
}
