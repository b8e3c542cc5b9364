// Package datasource turns a blocking Reader into a pipeline.Source.
//
// The original reader threads produced triples in a dedicated OS thread and
// handed them to the consumer across a threading.Condition guarding three
// flags: producable, consumable, and done. Here the same handoff is a
// goroutine writing to an unbuffered channel: each send blocks until the
// consumer's Next receives that value, which is the producable/consumable
// back-pressure the condition variable enforced, and closing the channel is
// the done flag going sticky.
package datasource

import (
	"context"
	"log/slog"
	"sync"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

// Reader produces one triple per call, blocking as needed (network I/O,
// poll timeouts). It returns ok=false for a clean end of stream, and a
// non-nil error only when the stream cannot continue.
type Reader interface {
	Read(ctx context.Context) (t pipeline.Triple, ok bool, err error)
}

// CloserReader additionally releases any held resource (socket, consumer
// group membership) when the source is torn down.
type CloserReader interface {
	Reader
	Close() error
}

type item struct {
	t   pipeline.Triple
	err error
}

// Base adapts a Reader into a pipeline.Source.
type Base struct {
	name   string
	reader Reader
	logger *slog.Logger

	out    chan item
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the producer goroutine and returns a ready-to-use Source.
func New(name string, reader Reader, logger *slog.Logger) *Base {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		name:   name,
		reader: reader,
		logger: logger,
		out:    make(chan item),
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.produce(ctx)
	return b
}

// Name implements pipeline.Stage.
func (b *Base) Name() string { return b.name }

func (b *Base) produce(ctx context.Context) {
	defer b.wg.Done()
	defer close(b.out)

	for {
		t, ok, err := b.reader.Read(ctx)
		if err != nil {
			select {
			case b.out <- item{err: err}:
			case <-ctx.Done():
			}
			return
		}
		if !ok {
			return
		}
		select {
		case b.out <- item{t: t}:
		case <-ctx.Done():
			return
		}
	}
}

// Output returns the lazily-pulled iterator over produced triples.
func (b *Base) Output() pipeline.Iterator {
	return pipeline.IteratorFunc(func(ctx context.Context) (pipeline.Triple, bool, error) {
		select {
		case it, open := <-b.out:
			if !open {
				return pipeline.Triple{}, false, nil
			}
			if it.err != nil {
				return pipeline.Triple{}, false, it.err
			}
			return it.t, true, nil
		case <-ctx.Done():
			return pipeline.Triple{}, false, ctx.Err()
		}
	})
}

// Close signals the producer goroutine to stop, waits for it to exit, and
// releases the underlying reader if it holds a resource.
func (b *Base) Close() error {
	b.cancel()
	b.wg.Wait()
	if c, ok := b.reader.(CloserReader); ok {
		return c.Close()
	}
	return nil
}
