package pipeline

import "context"

// Iterator is a pull-based sequence of triples: the reshaping of the
// original generator chain described in the design notes, where each stage
// offered one yield per input triple. Here each stage instead offers a
// Next operation and maintains its own state between calls.
type Iterator interface {
	// Next returns the next triple. ok is false at end of stream. err is
	// non-nil only for a fatal, stream-ending error (ok is also false in
	// that case); per-triple errors are handled inside the stage and never
	// surface here.
	Next(ctx context.Context) (t Triple, ok bool, err error)
}

// IteratorFunc adapts a plain function to an Iterator.
type IteratorFunc func(ctx context.Context) (Triple, bool, error)

// Next implements Iterator.
func (f IteratorFunc) Next(ctx context.Context) (Triple, bool, error) { return f(ctx) }

// Stage is the common shape every pipeline module implements, for logging
// and metrics labeling.
type Stage interface {
	Name() string
}

// Filter consumes an input Iterator and exposes an output Iterator lazily:
// each Next call on the returned Iterator pulls from in as needed to
// produce, skip past, or buffer toward one output triple.
type Filter interface {
	Stage
	Output(in Iterator) Iterator
}

// Source produces an Iterator with no input of its own.
type Source interface {
	Stage
	Output() Iterator
	Close() error
}

// Sink drives an input Iterator to completion. Run blocks until the input
// is exhausted, ctx is cancelled, or a fatal error occurs.
type Sink interface {
	Stage
	Run(ctx context.Context, in Iterator) error
}
