// Package fieldstore holds the process-wide in-memory cache of field buffers.
//
// A Store owns one bounded, time-ordered buffer per field. The map of fields is
// guarded by a read-write lock that is only held to look up or create a buffer;
// all sample work happens under the individual buffer's lock, so readers of one
// field never block writers of another.
package fieldstore

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/logging"
	"github.com/xtxerr/sensorcache/internal/storage/buffer"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

var log = logging.Component("fieldstore")

// Config configures a Store.
type Config struct {
	// Capacity is the maximum number of samples retained per field.
	Capacity int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Mode selects how much history Query returns.
//
// A positive Count returns the last Count samples and takes precedence over
// Seconds. Otherwise a positive Seconds returns every sample with
// timestamp >= now-Seconds, a negative Seconds returns every retained sample,
// and zero returns nothing.
type Mode struct {
	Seconds float64
	Count   int
}

// ByCount returns a Mode selecting the last n samples.
func ByCount(n int) Mode {
	return Mode{Count: n}
}

// BySeconds returns a Mode selecting the samples of the last s seconds.
func BySeconds(s float64) Mode {
	return Mode{Seconds: s}
}

// Store is the shared field cache.
type Store struct {
	mu       sync.RWMutex
	fields   map[string]*buffer.RingBuffer
	capacity int
	now      func() time.Time

	appended atomic.Int64
	dropped  atomic.Int64
}

// Stats holds store statistics.
type Stats struct {
	Fields     int   `json:"fields"`
	Samples    int   `json:"samples"`
	Capacity   int   `json:"capacity"`
	Appended   int64 `json:"appended"`
	Dropped    int64 `json:"dropped"`
	Evicted    int64 `json:"evicted"`
	OutOfOrder int64 `json:"out_of_order"`

	// FullFields counts fields holding Capacity samples.
	FullFields int `json:"full_fields"`

	// Oldest and Newest span every retained sample; zero when empty.
	Oldest float64 `json:"oldest"`
	Newest float64 `json:"newest"`
}

// New creates a Store. A non-positive capacity is a configuration error.
func New(cfg Config) (*Store, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidCapacity, "capacity %d", cfg.Capacity)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		fields:   make(map[string]*buffer.RingBuffer),
		capacity: cfg.Capacity,
		now:      cfg.Now,
	}, nil
}

// Capacity returns the per-field capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Now returns the store clock as epoch seconds.
func (s *Store) Now() float64 {
	return epochSeconds(s.now())
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ============================================================================
// Buffer lookup
// ============================================================================

// get returns the buffer for a field, or nil if it does not exist.
func (s *Store) get(field string) *buffer.RingBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fields[field]
}

// getOrCreate returns the buffer for a field, creating it if needed.
func (s *Store) getOrCreate(field string) *buffer.RingBuffer {
	if rb := s.get(field); rb != nil {
		return rb
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if rb, ok := s.fields[field]; ok {
		return rb
	}
	rb := buffer.New(s.capacity)
	s.fields[field] = rb
	log.Debug("field created", "field", field)
	return rb
}

// ============================================================================
// Writes
// ============================================================================

// Append adds a sample to a field, creating the field if absent.
// Returns false if the sample was dropped because it is older than everything
// a full buffer retains.
func (s *Store) Append(field string, sample types.Sample) bool {
	rb := s.getOrCreate(field)
	if !rb.Append(sample) {
		s.dropped.Add(1)
		return false
	}
	s.appended.Add(1)
	return true
}

// AppendBatch appends every sample of a batch, preserving per-field order.
// Returns the number of samples stored.
func (s *Store) AppendBatch(batch types.Batch) int {
	stored := 0
	for field, samples := range batch {
		rb := s.getOrCreate(field)
		for _, sample := range samples {
			if rb.Append(sample) {
				stored++
				s.appended.Add(1)
			} else {
				s.dropped.Add(1)
			}
		}
	}
	return stored
}

// EvictOlderThan removes samples with timestamp < cutoff from every field.
// Returns the number of samples evicted.
func (s *Store) EvictOlderThan(cutoff float64) int {
	evicted := 0
	for _, rb := range s.buffers() {
		evicted += rb.EvictOlderThan(cutoff)
	}
	return evicted
}

// ============================================================================
// Reads
// ============================================================================

// Query returns the history of a field selected by mode, oldest first.
// Unknown fields yield an empty, non-nil slice.
func (s *Store) Query(field string, mode Mode) []types.Sample {
	samples, _ := s.QueryWithCursor(field, mode)
	return samples
}

// QueryWithCursor is Query plus the newest timestamp present in the field,
// read atomically with the samples. The cursor is -Inf for unknown or empty
// fields.
func (s *Store) QueryWithCursor(field string, mode Mode) ([]types.Sample, float64) {
	rb := s.get(field)
	if rb == nil {
		return []types.Sample{}, math.Inf(-1)
	}

	switch {
	case mode.Count > 0:
		return rb.LastWithNewest(mode.Count)
	case mode.Seconds < 0:
		return rb.FromWithNewest(math.Inf(-1))
	case mode.Seconds == 0:
		return rb.LastWithNewest(0)
	default:
		return rb.FromWithNewest(s.Now() - mode.Seconds)
	}
}

// SnapshotSince returns the samples of a field strictly newer than ts.
func (s *Store) SnapshotSince(field string, ts float64) []types.Sample {
	rb := s.get(field)
	if rb == nil {
		return []types.Sample{}
	}
	return rb.Since(ts)
}

// Range returns the samples of a field with start <= timestamp <= end.
func (s *Store) Range(field string, start, end float64) []types.Sample {
	rb := s.get(field)
	if rb == nil {
		return []types.Sample{}
	}
	return rb.Range(start, end)
}

// Newest returns the newest sample of a field.
func (s *Store) Newest(field string) (types.Sample, bool) {
	rb := s.get(field)
	if rb == nil {
		return types.Sample{}, false
	}
	return rb.Newest()
}

// Len returns the number of samples retained for a field.
func (s *Store) Len(field string) int {
	rb := s.get(field)
	if rb == nil {
		return 0
	}
	return rb.Len()
}

// Has reports whether a field exists.
func (s *Store) Has(field string) bool {
	return s.get(field) != nil
}

// Fields returns all field names, sorted.
func (s *Store) Fields() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Each calls fn with a copy of every field's samples, in field name order.
// Iteration stops when fn returns false.
func (s *Store) Each(fn func(field string, samples []types.Sample) bool) {
	for _, name := range s.Fields() {
		rb := s.get(name)
		if rb == nil {
			continue
		}
		if !fn(name, rb.All()) {
			return
		}
	}
}

// buffers returns a snapshot of the buffer pointers.
func (s *Store) buffers() []*buffer.RingBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*buffer.RingBuffer, 0, len(s.fields))
	for _, rb := range s.fields {
		out = append(out, rb)
	}
	return out
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	st := Stats{
		Capacity: s.capacity,
		Appended: s.appended.Load(),
		Dropped:  s.dropped.Load(),
	}
	bufs := s.buffers()
	st.Fields = len(bufs)
	seen := false
	for _, rb := range bufs {
		bs := rb.Stats()
		st.Samples += bs.Count
		st.Evicted += bs.EvictCount
		st.OutOfOrder += bs.OutOfOrderCount
		if rb.IsFull() {
			st.FullFields++
		}

		oldest, newest, ok := rb.TimeRange()
		if !ok {
			continue
		}
		if !seen || oldest < st.Oldest {
			st.Oldest = oldest
		}
		if !seen || newest > st.Newest {
			st.Newest = newest
		}
		seen = true
	}
	return st
}
