// Package movingstat implements the moving-statistic anomaly filter: every
// key is tracked independently against a trailing time window (not a fixed
// point count), predicts the next value from that window's mean or
// nearest-rank quantile, and emits the ratio of the raw value to the
// prediction. A ratio straying outside the configured inpainting band
// substitutes ("inpaints") the prediction in place of the raw value until
// either the ratio recovers or the excursion has lasted long enough to be
// accepted as a new normal rather than a transient spike.
package movingstat

import (
	"context"
	"log/slog"
	"sort"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

// Kind names the window statistic used for prediction.
type Kind int

const (
	// Mean predicts the arithmetic mean of the window.
	Mean Kind = iota
	// Quantile predicts the nearest-rank K/Q quantile of the window.
	Quantile
)

// Options configures a Stage. There is no key filter: every key flowing
// through the stage is tracked under its own independent state.
type Options struct {
	// History is the trailing window length, in the same units as
	// Triple.Time (seconds).
	History int64

	// Warmup is the minimum window span, in the same units, before the
	// stage starts producing output for a key.
	Warmup int64

	// Stat selects Mean or Quantile.
	Stat Kind

	// QuantileK, QuantileQ give the nearest-rank K/Q quantile used when
	// Stat is Quantile (K=0,Q=1 is min; K=1,Q=1 is max; K=1,Q=2 is
	// median). Ignored for Mean.
	QuantileK, QuantileQ int

	// InpaintMin and InpaintMax bound the acceptable ratio band
	// [InpaintMin, InpaintMax). A nil bound disables that side. Both nil
	// disables inpainting entirely.
	InpaintMin, InpaintMax *float64

	// InpaintMaxDuration is how long, in the same time units, an
	// excursion may be inpainted before it is accepted as the new
	// normal. Required when either inpaint bound is set.
	InpaintMaxDuration int64
}

// Schema is the JSON Schema for this module's option block, grounded on
// MovingStat.py's add_cfg_schema.
const Schema = `{
	"type": "object",
	"properties": {
		"type": {
			"type": "array",
			"items": {"type": ["string", "integer"]},
			"minItems": 1
		},
		"history": {"type": "integer", "exclusiveMinimum": 0},
		"warmup":  {"type": "integer", "exclusiveMinimum": 0},
		"inpainting": {
			"type": "object",
			"properties": {
				"min":         {"type": "number"},
				"max":         {"type": "number"},
				"maxduration": {"type": "integer", "exclusiveMinimum": 0}
			},
			"additionalProperties": false,
			"required": ["maxduration"]
		}
	},
	"additionalProperties": false,
	"required": ["type", "history", "warmup"]
}`

type point struct {
	v float64
	t int64
}

type keyState struct {
	vtq    []point // ordered by time; may include inpainted values
	rawVtq []point // raw values collected while inpainting; nil otherwise

	inpainting   bool
	inpaintStart int64

	statInit bool
	sum      float64   // Mean accumulator
	sorted   []float64 // Quantile accumulator
}

// Stage implements pipeline.Filter.
type Stage struct {
	name    string
	warmup  int64
	history int64
	stat    Kind
	k, q    int

	inpMin, inpMax *float64
	inpMaxDuration int64

	logger *slog.Logger
	states map[string]*keyState
}

// New validates opts and returns a ready Stage.
func New(name string, opts Options, logger *slog.Logger) (*Stage, error) {
	if opts.Warmup <= 0 {
		return nil, pipeline.NewUserError("movingstat %s: warmup must be positive", name)
	}
	if opts.History <= opts.Warmup {
		return nil, pipeline.NewUserError("movingstat %s: history (%d) must be greater than warmup (%d)", name, opts.History, opts.Warmup)
	}
	if opts.Stat == Quantile {
		if opts.QuantileQ <= 0 {
			return nil, pipeline.NewUserError("movingstat %s: quantile q must be positive", name)
		}
		if opts.QuantileK < 0 || opts.QuantileK > opts.QuantileQ {
			return nil, pipeline.NewUserError("movingstat %s: quantile k (%d) must be in [0,q] (%d)", name, opts.QuantileK, opts.QuantileQ)
		}
	}
	if (opts.InpaintMin != nil || opts.InpaintMax != nil) && opts.InpaintMaxDuration <= 0 {
		return nil, pipeline.NewUserError("movingstat %s: inpainting requires a positive maxduration", name)
	}

	return &Stage{
		name:           name,
		warmup:         opts.Warmup,
		history:        opts.History,
		stat:           opts.Stat,
		k:              opts.QuantileK,
		q:              opts.QuantileQ,
		inpMin:         opts.InpaintMin,
		inpMax:         opts.InpaintMax,
		inpMaxDuration: opts.InpaintMaxDuration,
		logger:         logger,
		states:         make(map[string]*keyState),
	}, nil
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return s.name }

// Output implements pipeline.Filter. A point arriving during warmup (or
// restarting warmup after a long gap) produces no output at all, so this
// is not strictly one-in-one-out; Output pulls until ingest yields one.
func (s *Stage) Output(in pipeline.Iterator) pipeline.Iterator {
	return pipeline.IteratorFunc(func(ctx context.Context) (pipeline.Triple, bool, error) {
		for {
			t, ok, err := in.Next(ctx)
			if !ok || err != nil {
				return pipeline.Triple{}, ok, err
			}
			out, emit := s.ingest(t)
			if emit {
				return out, true, nil
			}
		}
	})
}

func (s *Stage) ingest(t pipeline.Triple) (pipeline.Triple, bool) {
	key := string(t.Key)
	st, ok := s.states[key]
	if !ok {
		st = &keyState{}
		s.states[key] = st
	}
	val := t.Val()

	if len(st.vtq) == 0 || st.vtq[0].t > t.Time-s.warmup {
		st.vtq = append(st.vtq, point{v: val, t: t.Time})
		return pipeline.Triple{}, false
	}

	windowStart := t.Time - s.history

	if !st.statInit {
		s.initStat(st)
	}

	for len(st.vtq) > 0 && st.vtq[0].t < windowStart {
		oldest := st.vtq[0]
		st.vtq = st.vtq[1:]
		if s.logger != nil {
			s.logger.Warn("removing extra old item", "key", key, "value", oldest.v, "time", oldest.t)
		}
		s.remove(st, oldest.v)
	}
	if len(st.vtq) == 0 {
		// The whole window aged out: warm up again from this point.
		*st = keyState{vtq: []point{{v: val, t: t.Time}}}
		return pipeline.Triple{}, false
	}

	predicted := s.prediction(st)
	var ratio float64
	ratioDefined := predicted != 0
	if ratioDefined {
		ratio = val / predicted
	}

	newval := val

	switch {
	case ratioDefined && s.outOfBand(ratio):
		switch {
		case !st.inpainting:
			st.inpainting = true
			st.inpaintStart = t.Time
			st.rawVtq = []point{{v: val, t: t.Time}}
			newval = predicted
			ratio = newval / predicted

		case st.inpaintStart > t.Time-s.inpMaxDuration:
			st.rawVtq = append(st.rawVtq, point{v: val, t: t.Time})
			newval = predicted
			ratio = newval / predicted

		default:
			// The excursion has outlasted maxduration: the extreme is the
			// new normal. Discard the inpainted run at the back of the
			// window and put the raw values collected while inpainting
			// in its place.
			popped := 0
			for len(st.vtq) > 0 && st.vtq[len(st.vtq)-1].t >= st.inpaintStart {
				st.vtq = st.vtq[:len(st.vtq)-1]
				popped++
			}
			if popped != len(st.rawVtq) {
				if s.logger != nil {
					s.logger.Error("inpaint window misaligned with raw buffer", "key", key, "time", t.Time)
				}
			}
			st.vtq = append(st.vtq, st.rawVtq...)
			st.rawVtq = nil
			st.inpainting = false

			if st.vtq[0].t > t.Time-s.warmup {
				st.vtq = append(st.vtq, point{v: val, t: t.Time})
				st.statInit = false
				return pipeline.Triple{}, false
			}
			s.initStat(st)
			predicted = s.prediction(st)
			if predicted != 0 {
				ratio = newval / predicted
			}
		}

	case st.inpainting:
		// Returned to normal: keep the inpainted values already in vtq,
		// forget the buffered raw run.
		st.inpainting = false
		st.rawVtq = nil
	}

	st.vtq = append(st.vtq, point{v: newval, t: t.Time})
	if st.vtq[0].t > windowStart {
		s.insert(st, newval)
	} else {
		oldest := st.vtq[0]
		st.vtq = st.vtq[1:]
		s.insertRemove(st, newval, oldest.v)
	}

	return pipeline.Triple{Key: t.Key, Value: ratioValue(ratioDefined, ratio), Time: t.Time}, true
}

func ratioValue(defined bool, ratio float64) *float64 {
	if !defined {
		return nil
	}
	return pipeline.Num(ratio)
}

func (s *Stage) outOfBand(ratio float64) bool {
	if s.inpMin != nil && ratio < *s.inpMin {
		return true
	}
	if s.inpMax != nil && ratio > *s.inpMax {
		return true
	}
	return false
}

func (s *Stage) initStat(st *keyState) {
	st.statInit = true
	if s.stat == Mean {
		st.sum = 0
		for _, p := range st.vtq {
			st.sum += p.v
		}
		return
	}
	st.sorted = make([]float64, len(st.vtq))
	for i, p := range st.vtq {
		st.sorted[i] = p.v
	}
	sort.Float64s(st.sorted)
}

func (s *Stage) prediction(st *keyState) float64 {
	if s.stat == Mean {
		if len(st.vtq) == 0 {
			return 0
		}
		return st.sum / float64(len(st.vtq))
	}
	if len(st.sorted) == 0 {
		return 0
	}
	var rank int
	if s.k != 0 {
		n := len(st.sorted)
		// Nearest-rank: ceil(n*k/q) - 1, computed with the standard
		// non-negative integer ceiling-division trick (n*k and q are
		// both non-negative here).
		rank = (n*s.k+s.q-1)/s.q - 1
	}
	if rank < 0 {
		rank = 0
	}
	if rank >= len(st.sorted) {
		rank = len(st.sorted) - 1
	}
	return st.sorted[rank]
}

func (s *Stage) insert(st *keyState, v float64) {
	if s.stat == Mean {
		st.sum += v
		return
	}
	st.sorted = sortedInsert(st.sorted, v)
}

func (s *Stage) remove(st *keyState, v float64) {
	if s.stat == Mean {
		st.sum -= v
		return
	}
	st.sorted = sortedRemove(st.sorted, v)
}

// insertRemove fuses an insert and a remove into one shift of the sorted
// slice spanning only the two positions involved, roughly N/3 moves on
// average rather than the N a naive remove-then-insert costs.
func (s *Stage) insertRemove(st *keyState, insVal, rmVal float64) {
	if s.stat == Mean {
		st.sum += insVal - rmVal
		return
	}
	st.sorted = sortedReplace(st.sorted, rmVal, insVal)
}

func sortedInsert(s []float64, v float64) []float64 {
	i := sort.SearchFloat64s(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func sortedRemove(s []float64, v float64) []float64 {
	i := sort.SearchFloat64s(s, v)
	if i >= len(s) || s[i] != v {
		return s
	}
	return append(s[:i], s[i+1:]...)
}

// sortedReplace removes rmVal and inserts insVal into the sorted slice s,
// shifting only the elements strictly between the two positions.
func sortedReplace(s []float64, rmVal, insVal float64) []float64 {
	switch {
	case rmVal < insVal:
		left := sort.SearchFloat64s(s, rmVal) // first index >= rmVal; rmVal is present there
		right := sort.Search(len(s)-left, func(i int) bool { return s[left+i] >= insVal }) + left
		copy(s[left:right-1], s[left+1:right])
		s[right-1] = insVal
	case insVal < rmVal:
		left := sort.SearchFloat64s(s, insVal)
		right := sort.Search(len(s)-left, func(i int) bool { return s[left+i] >= rmVal }) + left
		copy(s[left+1:right+1], s[left:right])
		s[left] = insVal
	default:
		// Removing and inserting the same value is a no-op.
	}
	return s
}
