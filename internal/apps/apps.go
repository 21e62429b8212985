// Package apps defines the App contract that dirty applications implement
// and the spec-parsing/registry machinery used to place them on workers.
// It is the Go counterpart of original_source/gunicorn/dirty/app.py,
// with importlib's dynamic module:Class loading replaced by a compiled
// registry (see Register), since Go has no dynamic import mechanism.
package apps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dirtypool/dirtypool/internal/dirtyerr"
)

// StreamItem is one element pushed on a streaming Dispatch's channel. A
// non-nil Err terminates the stream and is surfaced to the caller as an
// AppError; the channel is always closed by the producer afterward.
type StreamItem struct {
	Value any
	Err   error
}

// App is the interface every dirty application implements. Instances are
// created once per worker process and persist for the worker's lifetime,
// matching original_source/gunicorn/dirty/app.py's DirtyApp lifecycle
// (instantiate once, init(), repeated __call__, close()).
//
// Dispatch returns either a direct result (stream == nil) or a stream
// channel the caller must drain to completion (result is ignored in that
// case). This models Python generator-returning actions without Go having
// native lazy sequences: the App owns a goroutine that pushes StreamItems
// and closes the channel when done.
type App interface {
	// Init performs one-time startup work after the app is instantiated in
	// the worker process. Called once, before any Dispatch call.
	Init(ctx context.Context) error

	// Dispatch handles one request. action identifies the method to run;
	// args/kwargs carry the call's positional and keyword arguments exactly
	// as received off the wire.
	Dispatch(ctx context.Context, action string, args []any, kwargs map[string]any) (result any, stream <-chan StreamItem, err error)

	// Close releases resources held by the app. Called once during worker
	// shutdown.
	Close(ctx context.Context) error
}

// Spec is a parsed app specification of the form "module:Class" or
// "module:Class:N", mirroring parse_dirty_app_spec.
type Spec struct {
	// ImportPath is the "module:Class" portion, also the registry key.
	ImportPath string
	// WorkerLimit is the maximum number of workers that should load this
	// app, or 0 if unlimited (every worker loads it).
	WorkerLimit int
}

// Unlimited reports whether the spec places no cap on worker count.
func (s Spec) Unlimited() bool { return s.WorkerLimit == 0 }

// ParseSpec parses a dirty app spec string, mirroring
// parse_dirty_app_spec's two accepted shapes and three error cases.
func ParseSpec(spec string) (Spec, error) {
	if !strings.Contains(spec, ":") {
		return Spec{}, dirtyerr.NewApp(
			fmt.Sprintf("invalid import path format: %s. expected 'module.path:ClassName' or 'module.path:ClassName:N'", spec),
			spec, "", "")
	}

	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		return Spec{ImportPath: spec, WorkerLimit: 0}, nil

	case 3:
		importPath := parts[0] + ":" + parts[1]
		count, err := strconv.Atoi(parts[2])
		if err != nil {
			return Spec{}, dirtyerr.NewApp(
				fmt.Sprintf("invalid worker count in spec: %s. expected integer, got %q", spec, parts[2]),
				spec, "", "")
		}
		if count < 1 {
			return Spec{}, dirtyerr.NewApp(
				fmt.Sprintf("invalid worker count in spec: %s. worker count must be >= 1, got %d", spec, count),
				spec, "", "")
		}
		return Spec{ImportPath: importPath, WorkerLimit: count}, nil

	default:
		return Spec{}, dirtyerr.NewApp(
			fmt.Sprintf("invalid import path format: %s. expected 'module.path:ClassName' or 'module.path:ClassName:N'", spec),
			spec, "", "")
	}
}

// ParseSpecs parses a list of spec strings, stopping at the first error.
func ParseSpecs(specs []string) ([]Spec, error) {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		parsed, err := ParseSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Factory constructs a fresh App instance. Registered factories stand in
// for Python's importlib-based class lookup: each worker process calls the
// factory once per configured app to get its own instance.
type Factory func() App

// Registry is a compiled lookup from import path to app factory. Unlike
// load_dirty_app's importlib.import_module, registration happens at
// program build time via Register, not at runtime against a module path
// on disk.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// defaultRegistry is populated by package-level Register calls, mirroring
// the convenience of importing a dirty app module for its side effects.
var defaultRegistry = NewRegistry()

// Register adds importPath to the default registry. Call this from an
// init() function in the package that defines the app.
func Register(importPath string, factory Factory) {
	defaultRegistry.Register(importPath, factory)
}

// DefaultRegistry returns the process-wide registry populated by Register.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds importPath to r, overwriting any existing factory for the
// same path.
func (r *Registry) Register(importPath string, factory Factory) {
	r.factories[importPath] = factory
}

// Load instantiates a fresh App for importPath, returning an
// AppNotFoundError if nothing is registered under that path.
func (r *Registry) Load(importPath string) (App, error) {
	factory, ok := r.factories[importPath]
	if !ok {
		return nil, dirtyerr.NewAppNotFound(importPath)
	}
	return factory(), nil
}

// Has reports whether importPath is registered.
func (r *Registry) Has(importPath string) bool {
	_, ok := r.factories[importPath]
	return ok
}
