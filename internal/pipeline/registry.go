package pipeline

import (
	"log/slog"

	"github.com/couchcryptid/sentryd/internal/observability"
)

// SourceConstructor builds a Source from a stage's option block.
type SourceConstructor func(opts map[string]any, logger *slog.Logger, metrics *observability.Metrics) (Source, error)

// FilterConstructor builds a Filter from a stage's option block.
type FilterConstructor func(opts map[string]any, logger *slog.Logger, metrics *observability.Metrics) (Filter, error)

// SinkConstructor builds a Sink from a stage's option block.
type SinkConstructor func(opts map[string]any, logger *slog.Logger, metrics *observability.Metrics) (Sink, error)

// Registry resolves a pipeline's module names to constructors. In the
// original each stage named a Python module that was imported by name at
// startup; here the equivalent indirection is a lookup table populated
// once, in cmd/sentryd/main.go, with every built-in module before the
// pipeline document is built.
type Registry struct {
	sources map[string]SourceConstructor
	filters map[string]FilterConstructor
	sinks   map[string]SinkConstructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceConstructor),
		filters: make(map[string]FilterConstructor),
		sinks:   make(map[string]SinkConstructor),
	}
}

// RegisterSource adds a source module under name.
func (r *Registry) RegisterSource(name string, ctor SourceConstructor) {
	r.sources[name] = ctor
}

// RegisterFilter adds a filter module under name.
func (r *Registry) RegisterFilter(name string, ctor FilterConstructor) {
	r.filters[name] = ctor
}

// RegisterSink adds a sink module under name.
func (r *Registry) RegisterSink(name string, ctor SinkConstructor) {
	r.sinks[name] = ctor
}

func (r *Registry) isSourceName(name string) bool {
	_, ok := r.sources[name]
	return ok
}
