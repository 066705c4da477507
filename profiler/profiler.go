// Package profiler - Operation timing statistics.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Timing summarizes the recorded durations of one operation.
type Timing struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration, 0 when nothing was recorded.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (t Timing) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("count", t.Count)
	enc.AddDuration("mean", t.Mean())
	enc.AddDuration("min", t.Min)
	enc.AddDuration("max", t.Max)
	return nil
}

// Timings tracks operation timing statistics. It is safe for concurrent use; a
// nil *Timings records nothing.
type Timings struct {
	mu  sync.Mutex
	ops map[string]*Timing
}

// NewTimings creates an empty tracker.
func NewTimings() *Timings {
	return &Timings{ops: make(map[string]*Timing)}
}

// Start begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
//
// @example
// defer timings.Start("resize")()
func (t *Timings) Start(name string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		t.Record(name, time.Since(start))
	}
}

// Record adds one duration of operation name.
func (t *Timings) Record(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[name]
	if !ok {
		op = &Timing{Name: name, Min: d, Max: d}
		t.ops[name] = op
	}
	op.Count++
	op.Total += d
	if d < op.Min {
		op.Min = d
	}
	if d > op.Max {
		op.Max = d
	}
}

// Snapshot returns the statistics sorted by operation name.
func (t *Timings) Snapshot() []Timing {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Timing, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops every recorded duration.
func (t *Timings) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.ops = make(map[string]*Timing)
	t.mu.Unlock()
}

// Fields returns one zap field per operation.
func (t *Timings) Fields() []zap.Field {
	snap := t.Snapshot()
	fields := make([]zap.Field, 0, len(snap))
	for _, op := range snap {
		fields = append(fields, zap.Object(op.Name, op))
	}
	return fields
}
