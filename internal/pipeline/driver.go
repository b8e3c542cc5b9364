package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/sentryd/internal/observability"
)

// StageSpec is the registry's view of one pipeline entry: enough to look up
// a constructor and hand it its options. config.StageConfig is converted to
// this shape at startup so that this package never needs to import the
// config package.
type StageSpec struct {
	Module   string
	LogLevel string
	Options  map[string]any
}

// Pipeline is a fully wired chain: a source feeding zero or more filters
// feeding a sink, ready to Run.
type Pipeline struct {
	stages  []Stage
	sink    Sink
	output  Iterator
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool
}

// Build resolves each entry in specs against r, validates that a source
// only appears at position 0 and a sink only at the last position, and
// wires each stage's output iterator as the next stage's input.
func (r *Registry) Build(specs []StageSpec, baseLogger *slog.Logger, metrics *observability.Metrics) (*Pipeline, error) {
	if len(specs) < 2 {
		return nil, NewUserError("pipeline must declare at least a source and a sink")
	}

	var stages []Stage
	var cur Iterator

	for i, spec := range specs {
		logger := stageLogger(baseLogger, spec)
		last := i == len(specs)-1

		switch {
		case i == 0:
			ctor, ok := r.sources[spec.Module]
			if !ok {
				return nil, NewUserError("pipeline[%d]: unknown source module %q", i, spec.Module)
			}
			src, err := ctor(spec.Options, logger, metrics)
			if err != nil {
				return nil, err
			}
			stages = append(stages, src)
			cur = instrumentSource(spec.Module, src.Output(), metrics)

		case last:
			ctor, ok := r.sinks[spec.Module]
			if !ok {
				if r.isSourceName(spec.Module) {
					return nil, NewUserError("pipeline[%d]: source module %q may only appear first", i, spec.Module)
				}
				return nil, NewUserError("pipeline[%d]: unknown sink module %q", i, spec.Module)
			}
			sink, err := ctor(spec.Options, logger, metrics)
			if err != nil {
				return nil, err
			}
			stages = append(stages, sink)
			return &Pipeline{stages: stages, sink: sink, output: instrumentIn(spec.Module, cur, metrics), logger: baseLogger, metrics: metrics}, nil

		default:
			if r.isSourceName(spec.Module) {
				return nil, NewUserError("pipeline[%d]: source module %q may only appear first", i, spec.Module)
			}
			ctor, ok := r.filters[spec.Module]
			if !ok {
				return nil, NewUserError("pipeline[%d]: unknown filter module %q", i, spec.Module)
			}
			f, err := ctor(spec.Options, logger, metrics)
			if err != nil {
				return nil, err
			}
			stages = append(stages, f)
			cur = instrument(spec.Module, f.Output(instrumentIn(spec.Module, cur, metrics)), metrics)
		}
	}

	// Unreachable: the last-index branch above always returns.
	return nil, NewUserError("pipeline must end in a sink")
}

func stageLogger(base *slog.Logger, spec StageSpec) *slog.Logger {
	return observability.WithStageLevel(base, spec.Module, spec.LogLevel)
}

// instrument wraps in so every triple it yields counts toward stage's
// TriplesOut and the call's duration toward stage's StageLatency, the Go
// reshaping of the teacher's own inline
// metrics.MessagesProduced.Inc()/metrics.ProcessingDuration.Observe(...)
// calls around its single transform step, generalized here to run at
// every stage boundary in the chain instead of just one.
func instrument(stage string, in Iterator, metrics *observability.Metrics) Iterator {
	if metrics == nil {
		return in
	}
	return IteratorFunc(func(ctx context.Context) (Triple, bool, error) {
		start := time.Now()
		t, ok, err := in.Next(ctx)
		metrics.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if ok {
			metrics.TriplesOut.WithLabelValues(stage).Inc()
		}
		return t, ok, err
	})
}

// instrumentSource is instrument plus DatasourceReaderLag, the wall-clock
// age of the most recently produced triple, tracked only at the source
// boundary since that is the only stage whose input is real-world I/O.
func instrumentSource(stage string, in Iterator, metrics *observability.Metrics) Iterator {
	instrumented := instrument(stage, in, metrics)
	if metrics == nil {
		return instrumented
	}
	return IteratorFunc(func(ctx context.Context) (Triple, bool, error) {
		t, ok, err := instrumented.Next(ctx)
		if ok {
			metrics.DatasourceReaderLag.Set(time.Since(time.Unix(t.Time, 0)).Seconds())
		}
		return t, ok, err
	})
}

// instrumentIn counts every triple stage pulls from its upstream toward
// stage's TriplesIn, distinct from the TriplesOut instrument records at
// stage's own output — the gap between the two is exactly what a stage
// swallowed internally (MovingStat's warmup, AggSum's still-pending
// groups, and so on).
func instrumentIn(stage string, in Iterator, metrics *observability.Metrics) Iterator {
	if metrics == nil {
		return in
	}
	return IteratorFunc(func(ctx context.Context) (Triple, bool, error) {
		t, ok, err := in.Next(ctx)
		if ok {
			metrics.TriplesIn.WithLabelValues(stage).Inc()
		}
		return t, ok, err
	})
}

// Run drives the sink to completion. It returns when the source is
// exhausted, ctx is cancelled, or a stage reports a fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "stages", len(p.stages))
	if p.metrics != nil {
		p.metrics.PipelineRunning.Set(1)
		defer p.metrics.PipelineRunning.Set(0)
	}

	err := p.sink.Run(ctx, p.markReady(p.output))
	if err != nil {
		p.logger.Error("pipeline stopped", "error", err)
		return err
	}
	p.logger.Info("pipeline finished")
	return nil
}

func (p *Pipeline) markReady(in Iterator) Iterator {
	return IteratorFunc(func(ctx context.Context) (Triple, bool, error) {
		t, ok, err := in.Next(ctx)
		if ok {
			p.ready.Store(true)
		}
		return t, ok, err
	})
}

// CheckReadiness reports whether the pipeline has delivered at least one
// triple to its sink (after every filter). Implements
// httpapi.ReadinessChecker.
func (p *Pipeline) CheckReadiness(context.Context) error {
	if !p.ready.Load() {
		return errNotReady
	}
	return nil
}

var errNotReady = NewUserError("pipeline has not processed any data yet")

// Close releases every stage that holds a resource (sources always do;
// sinks and filters do when they implement io.Closer).
func (p *Pipeline) Close() error {
	var first error
	for _, s := range p.stages {
		c, ok := s.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
