// Package query resolves history from the field store: catch-up slices for
// new subscriptions and one-shot lookups (time windows, latest values and
// per-field statistics). It holds no state of its own beyond statistics.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/storage/aggregate"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/validation"
)

var log = logging.Component("query")

// TimeKey is the row member holding the timestamp.
const TimeKey = "time"

// Config configures the engine.
type Config struct {
	// MaxRows caps the rows a range query returns.
	MaxRows int

	// PercentileAccuracy is the DDSketch relative accuracy for Stats.
	PercentileAccuracy float64
}

// FieldRequest is the history a subscription asks for on one field.
// A positive BackRecords takes precedence over Seconds.
type FieldRequest struct {
	Seconds     float64
	BackRecords int
}

// Mode converts the request into a store query mode.
func (r FieldRequest) Mode() fieldstore.Mode {
	if r.BackRecords > 0 {
		return fieldstore.ByCount(r.BackRecords)
	}
	return fieldstore.BySeconds(r.Seconds)
}

// RangeRequest is a one-shot window lookup.
type RangeRequest struct {
	Fields []string `json:"fields"`
	Start  float64  `json:"start"`

	// End of the window (inclusive); zero means unbounded.
	End float64 `json:"end"`
}

// Row holds the values observed at one timestamp. Fields without a sample at
// that timestamp are absent.
type Row struct {
	Time   float64
	Values map[string]types.Value
}

// MarshalJSON encodes the row as {"time": t, "<field>": value, ...} with
// fields in name order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"time":`)
	buf.WriteString(strconv.FormatFloat(r.Time, 'f', -1, 64))

	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := r.Values[name].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Engine answers queries against a store.
type Engine struct {
	store   *fieldstore.Store
	metrics *metrics.Metrics
	config  Config

	// Singleflight coalesces identical concurrent range queries
	group singleflight.Group

	// Statistics
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	Catchups        atomic.Int64
	RangeQueries    atomic.Int64
	RangeCoalesced  atomic.Int64
	RowsReturned    atomic.Int64
	StatsComputed   atomic.Int64
	LatestLookups   atomic.Int64
	RejectedQueries atomic.Int64
}

// New creates an engine. m may be nil.
func New(store *fieldstore.Store, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = config.DefaultQueryMaxRows
	}
	if cfg.PercentileAccuracy <= 0 || cfg.PercentileAccuracy >= 1 {
		cfg.PercentileAccuracy = config.DefaultPercentileAccuracy
	}
	return &Engine{store: store, metrics: m, config: cfg}
}

// Store returns the underlying store.
func (e *Engine) Store() *fieldstore.Store {
	return e.store
}

// =============================================================================
// Catch-up
// =============================================================================

// Catchup resolves the initial history of one field and the cursor a session
// resumes from: the newest timestamp present in the field when the history
// was read (-Inf if the field has no samples yet).
func (e *Engine) Catchup(field string, req FieldRequest) ([]types.Sample, float64) {
	e.stats.Catchups.Add(1)
	return e.store.QueryWithCursor(field, req.Mode())
}

// =============================================================================
// Range
// =============================================================================

// Range returns one row per distinct timestamp observed in [Start, End]
// across the requested fields, ascending. Identical concurrent requests share
// one evaluation.
func (e *Engine) Range(ctx context.Context, req RangeRequest) ([]Row, error) {
	fields := validation.NormalizeFieldList(req.Fields)
	if err := e.validateRange(fields, req.Start, req.End); err != nil {
		e.stats.RejectedQueries.Add(1)
		return nil, err
	}
	sort.Strings(fields)

	key := fmt.Sprintf("%v|%v|%s", req.Start, req.End, strings.Join(fields, "\x00"))
	start := time.Now()

	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.rangeRows(fields, req.Start, req.End)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		e.metrics.ObserveQuery("range", time.Since(start))
		if res.Shared {
			e.stats.RangeCoalesced.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		rows := res.Val.([]Row)
		e.stats.RangeQueries.Add(1)
		e.stats.RowsReturned.Add(int64(len(rows)))
		return rows, nil
	}
}

func (e *Engine) validateRange(fields []string, start, end float64) error {
	if err := validation.ValidateFieldNames(fields); err != nil {
		return err
	}
	for _, f := range fields {
		if f == TimeKey {
			return errors.NewMalformed(errors.ErrInvalidRequest, "field name %q is reserved in range queries", TimeKey)
		}
	}
	return validation.ValidateWindow(start, end)
}

// rangeRows merges the per-field windows into rows.
func (e *Engine) rangeRows(fields []string, start, end float64) ([]Row, error) {
	if end == 0 {
		end = math.Inf(1)
	}

	byTime := make(map[float64]map[string]types.Value)
	for _, field := range fields {
		for _, s := range e.store.Range(field, start, end) {
			vals, ok := byTime[s.Timestamp]
			if !ok {
				if len(byTime) >= e.config.MaxRows {
					return nil, errors.NewMalformed(errors.ErrTooManyRows, "window holds more than %d rows", e.config.MaxRows)
				}
				vals = make(map[string]types.Value, len(fields))
				byTime[s.Timestamp] = vals
			}
			vals[field] = s.Value
		}
	}

	times := make([]float64, 0, len(byTime))
	for ts := range byTime {
		times = append(times, ts)
	}
	sort.Float64s(times)

	rows := make([]Row, len(times))
	for i, ts := range times {
		rows[i] = Row{Time: ts, Values: byTime[ts]}
	}

	log.Debug("range query", "fields", len(fields), "rows", len(rows))
	return rows, nil
}

// =============================================================================
// Latest / Stats
// =============================================================================

// Latest returns the newest sample of each requested field. An empty request
// means every field. Fields without samples are absent from the result.
func (e *Engine) Latest(fields []string) map[string]types.Sample {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("latest", time.Since(start)) }()

	e.stats.LatestLookups.Add(1)

	if len(fields) == 0 {
		fields = e.store.Fields()
	}
	out := make(map[string]types.Sample, len(fields))
	for _, f := range fields {
		if s, ok := e.store.Newest(f); ok {
			out[f] = s
		}
	}
	return out
}

// Stats summarizes the numeric samples of a field over the last seconds.
// Non-positive seconds summarize every retained sample. Unknown fields yield
// an empty summary.
func (e *Engine) Stats(field string, seconds float64) (types.Summary, error) {
	if err := validation.ValidateFieldName(field); err != nil {
		e.stats.RejectedQueries.Add(1)
		return types.Summary{}, err
	}

	start := time.Now()
	defer func() { e.metrics.ObserveQuery("stats", time.Since(start)) }()

	now := e.store.Now()
	var samples []types.Sample
	var from float64
	if seconds > 0 {
		from = now - seconds
		samples = e.store.Query(field, fieldstore.BySeconds(seconds))
	} else {
		samples = e.store.Query(field, fieldstore.BySeconds(-1))
		if len(samples) > 0 {
			from = samples[0].Timestamp
		}
	}

	e.stats.StatsComputed.Add(1)
	return aggregate.Summarize(field, from, now, samples, e.config.PercentileAccuracy), nil
}

// Fields returns all field names, sorted.
func (e *Engine) Fields() []string {
	return e.store.Fields()
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Catchups        int64 `json:"catchups"`
	RangeQueries    int64 `json:"range_queries"`
	RangeCoalesced  int64 `json:"range_coalesced"`
	RowsReturned    int64 `json:"rows_returned"`
	StatsComputed   int64 `json:"stats_computed"`
	LatestLookups   int64 `json:"latest_lookups"`
	RejectedQueries int64 `json:"rejected_queries"`
}

// Statistics returns a snapshot of the engine statistics.
func (e *Engine) Statistics() StatsSnapshot {
	return StatsSnapshot{
		Catchups:        e.stats.Catchups.Load(),
		RangeQueries:    e.stats.RangeQueries.Load(),
		RangeCoalesced:  e.stats.RangeCoalesced.Load(),
		RowsReturned:    e.stats.RowsReturned.Load(),
		StatsComputed:   e.stats.StatsComputed.Load(),
		LatestLookups:   e.stats.LatestLookups.Load(),
		RejectedQueries: e.stats.RejectedQueries.Load(),
	}
}
