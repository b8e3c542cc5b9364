package alertkafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

type fakeProducer struct {
	messages []kafkago.Message
	closed   bool
}

func (f *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tr(key string, v float64, ts int64) pipeline.Triple {
	return pipeline.Triple{Key: []byte(key), Value: pipeline.Num(v), Time: ts}
}

type sliceIterator struct {
	triples []pipeline.Triple
	idx     int
}

func (s *sliceIterator) Next(ctx context.Context) (pipeline.Triple, bool, error) {
	if s.idx >= len(s.triples) {
		return pipeline.Triple{}, false, nil
	}
	t := s.triples[s.idx]
	s.idx++
	return t, true, nil
}

func newTestSink(t *testing.T, opts Options) (*Sink, *fakeProducer) {
	t.Helper()
	opts.Disable = false
	if opts.Brokers == nil {
		opts.Brokers = []string{"localhost:9092"}
	}
	if opts.Topic == "" {
		opts.Topic = "alerts"
	}
	if opts.FQID == "" {
		opts.FQID = "sentry.test"
	}
	if opts.Name == "" {
		opts.Name = "test alert"
	}
	s, err := New("test", opts, testLogger(), nil)
	require.NoError(t, err)
	fp := &fakeProducer{}
	s.writer = fp
	return s, fp
}

func ptr(v float64) *float64 { return &v }
func iptr(v int64) *int64    { return &v }

func TestSink_AlertsImmediatelyWithoutMinDuration(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10)})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 5, 0),
		tr("k", 20, 10), // status -> tooHigh, no minduration, alerts now
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Len(t, fp.messages, 1)

	var rec alertRecord
	require.NoError(t, json.Unmarshal(fp.messages[0].Value, &rec))
	require.Equal(t, "critical", rec.Level)
	require.Equal(t, int64(10), rec.Time)
	require.Len(t, rec.Violations, 1)
	require.Equal(t, "k", rec.Violations[0].Expression)
	require.Equal(t, "> 10", rec.Violations[0].Condition)
	require.Equal(t, 20.0, rec.Violations[0].Value)
}

func TestSink_AlertsOnReturnToNormal(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10)})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 20, 0),  // tooHigh, alerts
		tr("k", 5, 10),  // back to normal, alerts (status change -> normal)
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Len(t, fp.messages, 2)

	var rec alertRecord
	require.NoError(t, json.Unmarshal(fp.messages[1].Value, &rec))
	require.Equal(t, "normal", rec.Level)
	require.Equal(t, "normal", rec.Violations[0].Condition)
}

func TestSink_MinDurationSuppressesImmediateAlert(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10), MinDuration: iptr(30)})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 5, 0),
		tr("k", 20, 10), // status change, minduration set -> no immediate alert
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Empty(t, fp.messages)
}

func TestSink_MinDurationFiresOnceUsingStartValues(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10), MinDuration: iptr(30)})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 5, 0),
		tr("k", 20, 10), // transition at t=10, v=20; start=(10,20)
		tr("k", 25, 15), // still tooHigh, 10+30=40 >= 15 -> fire using start values, clear state
		tr("k", 30, 20), // still tooHigh, but start cleared -> no alert
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Len(t, fp.messages, 1)

	var rec alertRecord
	require.NoError(t, json.Unmarshal(fp.messages[0].Value, &rec))
	require.Equal(t, int64(10), rec.Time)
	require.Equal(t, 20.0, rec.Violations[0].Value)
}

func TestSink_MinDurationWindowExpiresWithoutFiring(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10), MinDuration: iptr(5)})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 5, 0),
		tr("k", 20, 10),  // transition at t=10; start=(10,20)
		tr("k", 25, 100), // 10+5=15 >= 100? no -> does not fire, state left in place
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Empty(t, fp.messages)
}

func TestSink_MinBoundAlone(t *testing.T) {
	s, fp := newTestSink(t, Options{Min: ptr(0)})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 5, 0),
		tr("k", -1, 10),
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Len(t, fp.messages, 1)

	var rec alertRecord
	require.NoError(t, json.Unmarshal(fp.messages[0].Value, &rec))
	require.Equal(t, "< 0", rec.Violations[0].Condition)
}

func TestSink_SkipsNullTriples(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10)})

	in := &sliceIterator{triples: []pipeline.Triple{
		{Key: []byte("k"), Value: nil, Time: 0},
		tr("k", 20, 10),
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Len(t, fp.messages, 1)
}

func TestSink_DisabledSinkDoesNotWrite(t *testing.T) {
	s, err := New("test", Options{Max: ptr(10), Disable: true, FQID: "f", Name: "n"}, testLogger(), nil)
	require.NoError(t, err)
	require.Nil(t, s.writer)

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 5, 0),
		tr("k", 20, 10),
	}}
	require.NoError(t, s.Run(context.Background(), in))
}

func TestNew_RequiresMinOrMax(t *testing.T) {
	_, err := New("test", Options{FQID: "f", Name: "n", Brokers: []string{"b"}, Topic: "t"}, testLogger(), nil)
	require.Error(t, err)
}

func TestNew_RequiresBrokersUnlessDisabled(t *testing.T) {
	_, err := New("test", Options{FQID: "f", Name: "n", Max: ptr(1), Topic: "t"}, testLogger(), nil)
	require.Error(t, err)
}

func TestNew_AlertRecordSerializesNullFields(t *testing.T) {
	s, fp := newTestSink(t, Options{Max: ptr(10), Method: "movingstat"})

	in := &sliceIterator{triples: []pipeline.Triple{
		tr("k", 20, 0),
	}}
	require.NoError(t, s.Run(context.Background(), in))
	require.Len(t, fp.messages, 1)

	raw := map[string]any{}
	require.NoError(t, json.Unmarshal(fp.messages[0].Value, &raw))
	require.Nil(t, raw["expression"])
	require.Nil(t, raw["history_expression"])
	require.Equal(t, "movingstat", raw["method"])
	violations := raw["violations"].([]any)
	v0 := violations[0].(map[string]any)
	require.Nil(t, v0["history"])
	require.Nil(t, v0["history_value"])
}
