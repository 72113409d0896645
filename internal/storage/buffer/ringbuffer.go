// Package buffer implements the bounded, time-ordered sample buffer that backs
// a single field.
package buffer

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/sensorcache/internal/storage/types"
)

// DefaultCapacity is used when New is called with a non-positive capacity.
const DefaultCapacity = 1024

// RingBuffer is a thread-safe circular buffer of samples ordered by timestamp.
//
// Samples are kept in non-decreasing timestamp order. A sample that arrives
// with an earlier timestamp than the newest one is inserted at its sorted
// position (after any samples with an equal timestamp). Once the buffer is
// full the oldest sample is evicted.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Sample
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	appendCount     atomic.Int64
	evictCount      atomic.Int64
	dropCount       atomic.Int64
	outOfOrderCount atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		data:     make([]types.Sample, capacity),
		capacity: int64(capacity),
	}
}

// at returns the i-th oldest sample. Caller holds the lock.
func (rb *RingBuffer) at(i int64) *types.Sample {
	return &rb.data[(rb.tail+i)%rb.capacity]
}

// evictOldest drops the oldest sample. Caller holds the write lock.
func (rb *RingBuffer) evictOldest() {
	rb.data[rb.tail%rb.capacity] = types.Sample{}
	rb.tail++
	rb.count--
	rb.evictCount.Add(1)
}

// Append stores a sample, evicting the oldest one if the buffer is full.
// Returns false only when the buffer is full and the sample is older than
// every retained sample, in which case it is dropped.
func (rb *RingBuffer) Append(sample types.Sample) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count > 0 && sample.Timestamp < rb.at(rb.count-1).Timestamp {
		return rb.insertLocked(sample)
	}

	if rb.count >= rb.capacity {
		rb.evictOldest()
	}

	rb.data[rb.head%rb.capacity] = sample
	rb.head++
	rb.count++
	rb.appendCount.Add(1)
	return true
}

// insertLocked places an out-of-order sample at its sorted position.
func (rb *RingBuffer) insertLocked(sample types.Sample) bool {
	pos := rb.upperBound(sample.Timestamp)

	if rb.count >= rb.capacity {
		if pos == 0 {
			rb.dropCount.Add(1)
			return false
		}
		rb.evictOldest()
		pos--
	}

	// Shift [pos, count) one slot towards the head.
	for i := rb.count; i > pos; i-- {
		*rb.at(i) = *rb.at(i - 1)
	}
	*rb.at(pos) = sample
	rb.head++
	rb.count++
	rb.appendCount.Add(1)
	rb.outOfOrderCount.Add(1)
	return true
}

// lowerBound returns the index of the first sample with timestamp >= ts.
func (rb *RingBuffer) lowerBound(ts float64) int64 {
	return int64(sort.Search(int(rb.count), func(i int) bool {
		return rb.at(int64(i)).Timestamp >= ts
	}))
}

// upperBound returns the index of the first sample with timestamp > ts.
func (rb *RingBuffer) upperBound(ts float64) int64 {
	return int64(sort.Search(int(rb.count), func(i int) bool {
		return rb.at(int64(i)).Timestamp > ts
	}))
}

// copyRange copies logical indexes [lo, hi). The result is never nil.
func (rb *RingBuffer) copyRange(lo, hi int64) []types.Sample {
	if hi < lo {
		hi = lo
	}
	out := make([]types.Sample, hi-lo)
	for i := lo; i < hi; i++ {
		out[i-lo] = *rb.at(i)
	}
	return out
}

// newestLocked returns the newest timestamp or -Inf when empty.
func (rb *RingBuffer) newestLocked() float64 {
	if rb.count == 0 {
		return math.Inf(-1)
	}
	return rb.at(rb.count - 1).Timestamp
}

// Last returns the newest min(n, Len()) samples, oldest first.
func (rb *RingBuffer) Last(n int) []types.Sample {
	samples, _ := rb.LastWithNewest(n)
	return samples
}

// LastWithNewest is Last plus the newest timestamp in the buffer, read under
// the same lock.
func (rb *RingBuffer) LastWithNewest(n int) ([]types.Sample, float64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 {
		return rb.copyRange(rb.count, rb.count), rb.newestLocked()
	}
	lo := rb.count - int64(n)
	if lo < 0 {
		lo = 0
	}
	return rb.copyRange(lo, rb.count), rb.newestLocked()
}

// From returns samples with timestamp >= ts, oldest first.
func (rb *RingBuffer) From(ts float64) []types.Sample {
	samples, _ := rb.FromWithNewest(ts)
	return samples
}

// FromWithNewest is From plus the newest timestamp in the buffer.
func (rb *RingBuffer) FromWithNewest(ts float64) ([]types.Sample, float64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.copyRange(rb.lowerBound(ts), rb.count), rb.newestLocked()
}

// Since returns samples strictly newer than ts, oldest first.
func (rb *RingBuffer) Since(ts float64) []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.copyRange(rb.upperBound(ts), rb.count)
}

// Range returns samples with start <= timestamp <= end, oldest first.
func (rb *RingBuffer) Range(start, end float64) []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.copyRange(rb.lowerBound(start), rb.upperBound(end))
}

// All returns every retained sample, oldest first.
func (rb *RingBuffer) All() []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.copyRange(0, rb.count)
}

// Newest returns the newest sample.
// Returns false if the buffer is empty.
func (rb *RingBuffer) Newest() (types.Sample, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return types.Sample{}, false
	}
	return *rb.at(rb.count - 1), true
}

// Len returns the current number of samples in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// IsFull returns true if the buffer is full.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count >= rb.capacity
}

// EvictOlderThan removes samples with timestamp < cutoff.
// Returns the number of samples evicted.
func (rb *RingBuffer) EvictOlderThan(cutoff float64) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := 0
	for rb.count > 0 && rb.at(0).Timestamp < cutoff {
		rb.evictOldest()
		evicted++
	}
	return evicted
}

// TimeRange returns the oldest and newest timestamps.
// Returns false if the buffer is empty.
func (rb *RingBuffer) TimeRange() (oldest, newest float64, ok bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0, 0, false
	}
	return rb.at(0).Timestamp, rb.at(rb.count - 1).Timestamp, true
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:        int(rb.capacity),
		Count:           int(rb.count),
		UsageRatio:      float64(rb.count) / float64(rb.capacity),
		AppendCount:     rb.appendCount.Load(),
		EvictCount:      rb.evictCount.Load(),
		DropCount:       rb.dropCount.Load(),
		OutOfOrderCount: rb.outOfOrderCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity        int
	Count           int
	UsageRatio      float64
	AppendCount     int64
	EvictCount      int64
	DropCount       int64
	OutOfOrderCount int64
}
