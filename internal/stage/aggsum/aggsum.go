// Package aggsum implements the group-by-capture summing filter: triples
// whose key matches a glob are grouped by the glob's capturing substrings
// and summed per exact input timestamp, flushing a group either as soon as
// groupsize inputs have arrived for it or, failing that, once it has aged
// past a wall-clock timeout.
package aggsum

import (
	"context"
	"log/slog"
	"regexp"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/sentryd/internal/glob"
	"github.com/couchcryptid/sentryd/internal/pipeline"
)

// Options configures a Stage.
type Options struct {
	// Match is the glob pattern a triple's key must satisfy to be
	// considered, carrying zero or one capturing group. The output key
	// for a match is Match itself with its capturing group's span (if
	// any) substituted by the text it captured — there is no separate
	// group-key template.
	Match string

	// GroupSize is the number of inputs a group at a given timestamp
	// expects before it is flushed early, without waiting for Timeout.
	// Zero disables the groupsize check (timeout is the only way out).
	GroupSize int

	// Timeout is the wall-clock budget, in seconds, a group may sit
	// incomplete before it is swept.
	Timeout int64

	// DropPartial, when true, discards a group that only completes via
	// the timeout sweep instead of emitting its partial sum.
	DropPartial bool

	// Clock supplies wall-clock time; defaults to the real clock. Tests
	// inject a clockwork.FakeClock for deterministic timeout sweeps.
	Clock clockwork.Clock
}

// Schema is the JSON Schema for this module's option block, grounded on
// AggSum.py's add_cfg_schema.
const Schema = `{
	"type": "object",
	"properties": {
		"expression":  {"type": "string"},
		"groupsize":   {"type": "number"},
		"timeout":     {"type": "number"},
		"droppartial": {"type": "boolean"}
	},
	"additionalProperties": false,
	"required": ["expression", "timeout"]
}`

type aggKey struct {
	group  string
	bucket int64
}

type aggEntry struct {
	firstTime int64 // wall-clock seconds when this entry was first created
	count     int
	sum       float64
}

// Stage implements pipeline.Filter.
type Stage struct {
	name        string
	re          *regexp.Regexp
	pattern     string
	groupSize   int
	timeout     int64
	dropPartial bool
	clock       clockwork.Clock
	logger      *slog.Logger

	entries map[aggKey]*aggEntry
	order   []aggKey            // arrival order, for the timeout sweep
	byGroup map[string][]int64  // bucket times present per group, sorted ascending
	oldKeys map[string]int64    // latest bucket time a group has already completed at

	ready []pipeline.Triple
}

// New compiles opts.Match and returns a ready Stage.
func New(name string, opts Options, logger *slog.Logger) (*Stage, error) {
	if opts.Timeout <= 0 {
		return nil, pipeline.NewUserError("aggsum %s: timeout must be positive", name)
	}
	re, err := glob.Compile(opts.Match)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Stage{
		name:        name,
		re:          re,
		pattern:     opts.Match,
		groupSize:   opts.GroupSize,
		timeout:     opts.Timeout,
		dropPartial: opts.DropPartial,
		clock:       clock,
		logger:      logger,
		entries:     make(map[aggKey]*aggEntry),
		byGroup:     make(map[string][]int64),
		oldKeys:     make(map[string]int64),
	}, nil
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return s.name }

// Output implements pipeline.Filter. Entries still pending when the input
// ends are never flushed, matching the original generator, which simply
// stops producing once its upstream does.
func (s *Stage) Output(in pipeline.Iterator) pipeline.Iterator {
	return pipeline.IteratorFunc(func(ctx context.Context) (pipeline.Triple, bool, error) {
		for {
			if len(s.ready) > 0 {
				t := s.ready[0]
				s.ready = s.ready[1:]
				return t, true, nil
			}

			t, ok, err := in.Next(ctx)
			if err != nil {
				return pipeline.Triple{}, false, err
			}
			if !ok {
				return pipeline.Triple{}, false, nil
			}

			s.ingest(t)
		}
	})
}

func (s *Stage) groupKeyFor(m []string) string {
	if len(m) > 1 {
		return glob.GroupKey(s.pattern, m[1])
	}
	return m[0]
}

func (s *Stage) ingest(t pipeline.Triple) {
	m := s.re.FindStringSubmatch(string(t.Key))
	if m == nil {
		return
	}
	group := s.groupKeyFor(m)

	if old, ok := s.oldKeys[group]; ok && t.Time < old {
		if s.logger != nil {
			s.logger.Error("unexpected late data for complete aggregate", "group", group, "time", t.Time)
		}
		return
	}

	key := aggKey{group: group, bucket: t.Time}
	entry, ok := s.entries[key]
	if !ok {
		entry = &aggEntry{firstTime: s.clock.Now().Unix()}
		s.entries[key] = entry
		s.order = append(s.order, key)
		s.insertBucket(group, t.Time)
	}
	if !t.IsNull() {
		entry.sum += t.Val()
	}
	entry.count++

	if s.groupSize > 0 && entry.count == s.groupSize {
		s.completeGroup(key)
	}

	s.sweepTimeout(s.clock.Now().Unix())
}

// completeGroup runs step 6: the entry at key has reached groupsize. Every
// other still-pending entry for the same group at an earlier timestamp is
// flushed first (in-order flush), then the completing entry itself.
func (s *Stage) completeGroup(key aggKey) {
	entry := s.entries[key]
	group := key.group

	// Iterate a copy: removeEntry shifts s.byGroup[group] in place.
	for _, bucket := range append([]int64(nil), s.byGroup[group]...) {
		if bucket >= key.bucket {
			break
		}
		earlier := aggKey{group: group, bucket: bucket}
		if e, ok := s.entries[earlier]; ok {
			if s.logger != nil {
				s.logger.Info("giving up on incomplete group ahead of a later completion", "group", group, "time", bucket)
			}
			s.emit(group, e.sum, bucket)
			s.removeEntry(earlier)
		}
	}

	s.emit(group, entry.sum, key.bucket)
	s.removeEntry(key)

	if old, ok := s.oldKeys[group]; !ok || key.bucket > old {
		s.oldKeys[group] = key.bucket
	}
}

// sweepTimeout runs step 7: every entry at the front of arrival order whose
// firstTime is older than now-timeout is popped, oldest first.
func (s *Stage) sweepTimeout(now int64) {
	expiry := now - s.timeout
	for len(s.order) > 0 {
		oldest := s.order[0]
		entry, ok := s.entries[oldest]
		if !ok {
			s.order = s.order[1:]
			continue
		}
		if entry.firstTime > expiry {
			return
		}
		if !s.dropPartial {
			s.emit(oldest.group, entry.sum, oldest.bucket)
		}
		s.removeEntry(oldest)
		if old, ok := s.oldKeys[oldest.group]; !ok || oldest.bucket > old {
			s.oldKeys[oldest.group] = oldest.bucket
		}
	}
}

func (s *Stage) emit(group string, sum float64, t int64) {
	s.ready = append(s.ready, pipeline.Triple{
		Key:   []byte(group),
		Value: pipeline.Num(sum),
		Time:  t,
	})
}

func (s *Stage) removeEntry(k aggKey) {
	delete(s.entries, k)
	for i, kk := range s.order {
		if kk == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.removeBucket(k.group, k.bucket)
}

func (s *Stage) insertBucket(group string, t int64) {
	buckets := s.byGroup[group]
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i] >= t })
	buckets = append(buckets, 0)
	copy(buckets[i+1:], buckets[i:])
	buckets[i] = t
	s.byGroup[group] = buckets
}

func (s *Stage) removeBucket(group string, t int64) {
	buckets := s.byGroup[group]
	for i, bt := range buckets {
		if bt == t {
			s.byGroup[group] = append(buckets[:i], buckets[i+1:]...)
			return
		}
	}
}
