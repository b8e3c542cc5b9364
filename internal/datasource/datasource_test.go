package datasource

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sliceReader struct {
	triples []pipeline.Triple
	idx     int
	errAt   int
	err     error
}

func (r *sliceReader) Read(ctx context.Context) (pipeline.Triple, bool, error) {
	if r.err != nil && r.idx == r.errAt {
		return pipeline.Triple{}, false, r.err
	}
	if r.idx >= len(r.triples) {
		return pipeline.Triple{}, false, nil
	}
	t := r.triples[r.idx]
	r.idx++
	return t, true, nil
}

func TestBase_DeliversInOrder(t *testing.T) {
	reader := &sliceReader{triples: []pipeline.Triple{
		{Key: []byte("a"), Time: 1},
		{Key: []byte("b"), Time: 2},
		{Key: []byte("c"), Time: 3},
	}}
	base := New("test", reader, testLogger())
	defer base.Close()

	out := base.Output()
	ctx := context.Background()

	for i, want := range reader.triples {
		got, ok, err := out.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok, "triple %d", i)
		assert.Equal(t, want.Key, got.Key)
	}

	_, ok, err := out.Next(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBase_PropagatesReaderError(t *testing.T) {
	wantErr := errors.New("connection reset")
	reader := &sliceReader{
		triples: []pipeline.Triple{{Key: []byte("a"), Time: 1}},
		errAt:   1,
		err:     wantErr,
	}
	base := New("test", reader, testLogger())
	defer base.Close()

	out := base.Output()
	ctx := context.Background()

	_, ok, err := out.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = out.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, wantErr)
}

type blockingReader struct {
	reads int32
}

func (r *blockingReader) Read(ctx context.Context) (pipeline.Triple, bool, error) {
	atomic.AddInt32(&r.reads, 1)
	<-ctx.Done()
	return pipeline.Triple{}, false, ctx.Err()
}

func TestBase_CloseStopsProducer(t *testing.T) {
	reader := &blockingReader{}
	base := New("test", reader, testLogger())

	done := make(chan struct{})
	go func() {
		base.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after producer was cancelled")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.reads))
}

type closerReader struct {
	sliceReader
	closed bool
}

func (r *closerReader) Close() error {
	r.closed = true
	return nil
}

func TestBase_CloseReleasesReader(t *testing.T) {
	reader := &closerReader{sliceReader: sliceReader{}}
	base := New("test", reader, testLogger())
	require.NoError(t, base.Close())
	assert.True(t, reader.closed)
}

func TestBase_OutputCancellation(t *testing.T) {
	reader := &blockingReader{}
	base := New("test", reader, testLogger())
	defer base.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := base.Output().Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
