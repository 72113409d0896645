// Package aggregate computes summary statistics over field samples.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/sensorcache/internal/storage/types"
)

// DefaultAccuracy is the DDSketch relative accuracy (1%).
const DefaultAccuracy = 0.01

// StreamingAggregate maintains running statistics for one field over a
// window. Percentiles are estimated with DDSketch.
type StreamingAggregate struct {
	mu sync.Mutex

	// Identity
	field string

	// Window (epoch seconds)
	start float64
	end   float64

	// Running statistics
	count   int64
	skipped int64
	sum     float64
	min     float64
	max     float64
	firstTs float64
	lastTs  float64

	// DDSketch for percentiles (nil if it could not be created)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates a StreamingAggregate for a field window.
// A non-positive or out-of-range accuracy falls back to DefaultAccuracy.
func New(field string, start, end, accuracy float64) *StreamingAggregate {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = DefaultAccuracy
	}
	agg := &StreamingAggregate{
		field:    field,
		start:    start,
		end:      end,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
		accuracy: accuracy,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		agg.sketch = sketch
	}

	return agg
}

// Add adds a value to the aggregate.
func (a *StreamingAggregate) Add(value, ts float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 || ts < a.firstTs {
		a.firstTs = ts
	}
	if a.count == 0 || ts > a.lastTs {
		a.lastTs = ts
	}

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.sketch != nil {
		_ = a.sketch.Add(value)
	}
}

// AddSample adds a sample. Text and null samples are counted as skipped.
func (a *StreamingAggregate) AddSample(s types.Sample) {
	v, ok := s.Value.Float()
	if !ok {
		a.mu.Lock()
		a.skipped++
		a.mu.Unlock()
		return
	}
	a.Add(v, s.Timestamp)
}

// Count returns the number of numeric samples added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty returns true if no numeric samples have been added.
func (a *StreamingAggregate) IsEmpty() bool {
	return a.Count() == 0
}

// Result returns the summary.
func (a *StreamingAggregate) Result() types.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := types.Summary{
		Field:   a.field,
		Start:   a.start,
		End:     a.end,
		Count:   a.count,
		Skipped: a.skipped,
		Sum:     a.sum,
		FirstTs: a.firstTs,
		LastTs:  a.lastTs,
	}

	if a.count > 0 {
		result.Mean = a.sum / float64(a.count)
		result.Min = a.min
		result.Max = a.max
	}

	// Calculate percentiles if we have data
	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.SetPercentiles(p50, p90, p95, p99)
	}

	return result
}

// Merge combines another aggregate into this one.
func (a *StreamingAggregate) Merge(other *StreamingAggregate) {
	if other == nil || other == a {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	a.skipped += other.skipped
	if other.count == 0 {
		return
	}

	if a.count == 0 || other.firstTs < a.firstTs {
		a.firstTs = other.firstTs
	}
	if a.count == 0 || other.lastTs > a.lastTs {
		a.lastTs = other.lastTs
	}

	a.count += other.count
	a.sum += other.sum

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	// Merge sketches
	if a.sketch != nil && other.sketch != nil {
		_ = a.sketch.MergeWith(other.sketch)
	}
}

// Field returns the field name.
func (a *StreamingAggregate) Field() string {
	return a.field
}

// Summarize aggregates a slice of samples in one call.
func Summarize(field string, start, end float64, samples []types.Sample, accuracy float64) types.Summary {
	agg := New(field, start, end, accuracy)
	for _, s := range samples {
		agg.AddSample(s)
	}
	return agg.Result()
}
