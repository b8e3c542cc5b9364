// Package pipeline defines the triple type, the stage interfaces every
// module in the pipeline implements, and the driver that wires named
// modules into a running chain.
package pipeline

// Triple is the unit of data flowing through the pipeline: a dotted metric
// key, an optional value (nil represents a missing/null observation), and
// a UNIX epoch second.
type Triple struct {
	Key   []byte
	Value *float64
	Time  int64
}

// Val dereferences Value, returning 0 for a null value. Use IsNull to tell
// a real zero apart from a missing value.
func (t Triple) Val() float64 {
	if t.Value == nil {
		return 0
	}
	return *t.Value
}

// IsNull reports whether the triple carries a missing value.
func (t Triple) IsNull() bool {
	return t.Value == nil
}

// Num wraps v in a pointer, for building triples inline.
func Num(v float64) *float64 {
	return &v
}
