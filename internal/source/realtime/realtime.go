// Package realtime implements the streaming source: a Kafka consumer
// matching each message's key against a list of glob expressions, then
// releasing points per key in contiguous `interval` steps wherever
// possible, with a per-key wall-clock timeout (checked only when a message
// for that key is ingested) forcing out its earliest buffered point, and a
// separate consecutive-poll grace period for when the partition itself
// goes quiet.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/sentryd/internal/glob"
	"github.com/couchcryptid/sentryd/internal/observability"
	"github.com/couchcryptid/sentryd/internal/pipeline"
)

// Options configures a Reader.
type Options struct {
	// Expressions is the list of glob patterns a message's key is matched
	// against, in order; the first match accepts the point.
	Expressions []string

	// Interval is the expected spacing, in seconds, between consecutive
	// points for the same key.
	Interval int64

	// Timeout is the wall-clock budget, in seconds, a key's buffer may sit
	// without an append or a release before its earliest entry is forced
	// out regardless of contiguity. The check runs only when a message for
	// that key is ingested.
	Timeout int64

	Brokers       []string
	ConsumerGroup string
	TopicPrefix   string
	ChannelName   string

	// PollTimeout bounds a single fetch attempt, mirroring the original
	// reader's 10-second poll loop.
	PollTimeout time.Duration

	// EOFGrace is how many consecutive empty polls (no message delivered
	// within PollTimeout) the reader tolerates before forcing a release —
	// the Go reshaping of the original's partition-EOF grace counter, a
	// distinct concern from the per-key Timeout above.
	EOFGrace int

	// Clock supplies wall-clock time; defaults to the real clock. Tests
	// inject a clockwork.FakeClock for deterministic timeout behavior.
	Clock clockwork.Clock

	// Metrics, when set, counts every partition-EOF-grace-triggered
	// release. Optional: nil is a no-op, the same way alertkafka.Sink
	// treats a nil *observability.Metrics.
	Metrics *observability.Metrics
}

const (
	defaultPollTimeout = 10 * time.Second
	defaultEOFGrace    = 10
)

// Schema is the JSON Schema for this module's option block, grounded on
// Realtime.py's add_cfg_schema, widened to an array for "expressions"
// (plural here: this reader matches a message's key against the whole
// list, not a single expression) and extended with the interval/timeout
// knobs this reader adds beyond the original.
const Schema = `{
	"type": "object",
	"properties": {
		"expressions":   {"type": "array", "items": {"type": "string"}},
		"interval":      {"type": "number"},
		"timeout":       {"type": "number"},
		"brokers":       {"type": "array", "items": {"type": "string"}},
		"consumergroup": {"type": "string"},
		"topicprefix":   {"type": "string"},
		"channelname":   {"type": "string"}
	},
	"additionalProperties": false,
	"required": ["expressions", "brokers", "consumergroup", "topicprefix", "channelname"]
}`

// wireMessage is the JSON payload carried by each Kafka message.
type wireMessage struct {
	Key   string   `json:"key"`
	Value *float64 `json:"value"`
	Time  int64    `json:"time"`
}

// keyState tracks one key's contiguity progress and its buffer of points
// received too far ahead of lastTime to emit yet.
type keyState struct {
	key      string
	lastTime *int64
	buf      map[int64]*float64
	timer    time.Time // wall-clock time of last append or release
}

// Reader is a pipeline/datasource.Reader over a Kafka topic with per-key
// contiguous-interval buffering.
type Reader struct {
	kr          *kafkago.Reader
	matchers    []*regexp.Regexp
	interval    int64
	timeout     int64
	pollTimeout time.Duration
	eofGrace    int
	eofStreak   int
	clock       clockwork.Clock
	metrics     *observability.Metrics

	states map[string]*keyState
	ready  []pipeline.Triple // FIFO of triples released, pending delivery
}

// New builds a Reader.
func New(opts Options) (*Reader, error) {
	if len(opts.Brokers) == 0 {
		return nil, pipeline.NewUserError("realtime: at least one broker is required")
	}
	if opts.TopicPrefix == "" || opts.ChannelName == "" {
		return nil, pipeline.NewUserError("realtime: topicprefix and channelname are required")
	}
	if opts.ConsumerGroup == "" {
		return nil, pipeline.NewUserError("realtime: consumergroup is required")
	}
	if len(opts.Expressions) == 0 {
		return nil, pipeline.NewUserError("realtime: at least one expression is required")
	}
	if opts.Interval <= 0 {
		return nil, pipeline.NewUserError("realtime: interval must be positive")
	}
	if opts.Timeout <= 0 {
		return nil, pipeline.NewUserError("realtime: timeout must be positive")
	}

	matchers := make([]*regexp.Regexp, len(opts.Expressions))
	for i, expr := range opts.Expressions {
		re, err := glob.Compile(expr)
		if err != nil {
			return nil, err
		}
		matchers[i] = re
	}

	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	grace := opts.EOFGrace
	if grace <= 0 {
		grace = defaultEOFGrace
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	kr := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: opts.Brokers,
		Topic:   opts.TopicPrefix + "." + opts.ChannelName,
		GroupID: opts.ConsumerGroup,
	})

	return &Reader{
		kr:          kr,
		matchers:    matchers,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		pollTimeout: poll,
		eofGrace:    grace,
		clock:       clock,
		metrics:     opts.Metrics,
		states:      make(map[string]*keyState),
	}, nil
}

// Read implements datasource.Reader.
func (r *Reader) Read(ctx context.Context) (pipeline.Triple, bool, error) {
	for {
		if len(r.ready) > 0 {
			t := r.ready[0]
			r.ready = r.ready[1:]
			return t, true, nil
		}
		if err := r.poll(ctx); err != nil {
			return pipeline.Triple{}, false, err
		}
	}
}

// poll performs one bounded fetch attempt and folds whatever it learns (a
// new message, or a grace-period expiry) into r.ready.
func (r *Reader) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	msg, err := r.kr.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			r.onQuietPoll()
			return nil
		}
		return fmt.Errorf("realtime: fetch: %w", err)
	}

	r.eofStreak = 0
	if err := r.ingest(msg); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	return r.commit(ctx, msg)
}

func (r *Reader) commit(ctx context.Context, msg kafkago.Message) error {
	if err := r.kr.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("realtime: commit: %w", err)
	}
	return nil
}

// onQuietPoll counts a consecutive empty poll toward the partition-EOF
// grace period, forcing one key's earliest buffered point out once
// exhausted.
func (r *Reader) onQuietPoll() {
	r.eofStreak++
	if r.eofStreak < r.eofGrace {
		return
	}
	r.eofStreak = 0
	if r.metrics != nil {
		r.metrics.PartitionEOFGraceHits.Inc()
	}
	r.forceReleaseOldest()
}

func (r *Reader) matches(key string) bool {
	for _, re := range r.matchers {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// ingest implements spec §4.4's per-key state machine: a point in
// contiguous step with lastTime emits immediately and drains any
// now-contiguous buffered prefix; a point further ahead is buffered; a
// duplicate or stale point is dropped. Every touched key's own timeout is
// swept afterward.
func (r *Reader) ingest(msg kafkago.Message) error {
	var wire wireMessage
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if !r.matches(wire.Key) {
		return nil
	}

	st, ok := r.states[wire.Key]
	if !ok {
		st = &keyState{key: wire.Key, buf: make(map[int64]*float64), timer: r.clock.Now()}
		r.states[wire.Key] = st
	}

	switch {
	case st.lastTime != nil && wire.Time == *st.lastTime+r.interval:
		r.emit(wire.Key, wire.Value, wire.Time)
		r.advance(st, wire.Time)
	case st.lastTime == nil || wire.Time > *st.lastTime+r.interval:
		st.buf[wire.Time] = wire.Value
		st.timer = r.clock.Now()
	default:
		// duplicate or stale: drop
	}

	r.sweepTimeout(st)
	return nil
}

// advance records t as the new lastTime, resets the key's timer, and
// drains any contiguous run now sitting in the buffer.
func (r *Reader) advance(st *keyState, t int64) {
	last := t
	st.lastTime = &last
	st.timer = r.clock.Now()
	for {
		next := last + r.interval
		v, ok := st.buf[next]
		if !ok {
			return
		}
		delete(st.buf, next)
		r.emit(st.key, v, next)
		last = next
		st.lastTime = &last
	}
}

func (r *Reader) emit(key string, v *float64, t int64) {
	r.ready = append(r.ready, pipeline.Triple{Key: []byte(key), Value: v, Time: t})
}

// sweepTimeout forces out st's earliest buffered entry if its timer has
// aged past Timeout, regardless of contiguity.
func (r *Reader) sweepTimeout(st *keyState) {
	if len(st.buf) == 0 {
		return
	}
	if r.clock.Now().Sub(st.timer) < time.Duration(r.timeout)*time.Second {
		return
	}
	r.forceReleaseFrom(st)
}

func (r *Reader) forceReleaseFrom(st *keyState) {
	var earliest int64
	first := true
	for t := range st.buf {
		if first || t < earliest {
			earliest, first = t, false
		}
	}
	v := st.buf[earliest]
	delete(st.buf, earliest)
	r.emit(st.key, v, earliest)
	r.advance(st, earliest)
}

// forceReleaseOldest force-releases the earliest buffered point of
// whichever key's buffer has the oldest timer, followed by any contiguous
// run buffered behind it — used when the whole partition has gone quiet
// rather than a single key.
func (r *Reader) forceReleaseOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, st := range r.states {
		if len(st.buf) == 0 {
			continue
		}
		if first || st.timer.Before(oldest) {
			oldestKey, oldest, first = key, st.timer, false
		}
	}
	if oldestKey == "" {
		return
	}
	r.forceReleaseFrom(r.states[oldestKey])
}

// Close releases the underlying Kafka consumer group membership.
func (r *Reader) Close() error {
	return r.kr.Close()
}
