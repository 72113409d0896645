package fieldstore

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

func fixedClock(sec float64) func() time.Time {
	return func() time.Time {
		return time.Unix(0, int64(sec*1e9))
	}
}

func newStore(t *testing.T, capacity int, now float64) *Store {
	t.Helper()
	s, err := New(Config{Capacity: capacity, Now: fixedClock(now)})
	require.NoError(t, err)
	return s
}

func num(ts, v float64) types.Sample {
	return types.NewSample(ts, types.Number(v))
}

func tsOf(samples []types.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

func TestNew_InvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := New(Config{Capacity: c})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidCapacity))
		assert.True(t, errors.IsConfig(err))
	}
}

func TestQuery_CountReturnsSuffix(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		capacity := 1 + rng.Intn(20)
		total := rng.Intn(40)
		n := rng.Intn(50)

		s := newStore(t, capacity, 0)
		var all []float64
		for i := 0; i < total; i++ {
			s.Append("F", num(float64(i), float64(i)))
			all = append(all, float64(i))
		}

		// Retained tail after FIFO eviction.
		if len(all) > capacity {
			all = all[len(all)-capacity:]
		}
		want := all
		if n < len(want) {
			want = want[len(want)-n:]
		}
		if n == 0 {
			want = nil
		}

		got := s.Query("F", ByCount(n))
		if len(want) == 0 {
			assert.Empty(t, got, "trial %d", trial)
		} else {
			assert.Equal(t, want, tsOf(got), "trial %d", trial)
		}
	}
}

func TestQuery_BackRecordsThreeOfTen(t *testing.T) {
	s := newStore(t, 100, 0)
	for i := 1; i <= 10; i++ {
		s.Append("GPSLat", num(float64(i), float64(i)))
	}

	got := s.Query("GPSLat", ByCount(3))
	assert.Equal(t, []float64{8, 9, 10}, tsOf(got))
}

func TestQuery_Seconds(t *testing.T) {
	s := newStore(t, 100, 110)
	for i := 100; i <= 110; i++ {
		s.Append("F", num(float64(i), 0))
	}

	got := s.Query("F", BySeconds(5))
	assert.Equal(t, []float64{105, 106, 107, 108, 109, 110}, tsOf(got))

	assert.Len(t, s.Query("F", BySeconds(-1)), 11)
	assert.Empty(t, s.Query("F", BySeconds(0)))
}

func TestQuery_CountTakesPrecedence(t *testing.T) {
	s := newStore(t, 100, 110)
	for i := 100; i <= 110; i++ {
		s.Append("F", num(float64(i), 0))
	}

	got := s.Query("F", Mode{Seconds: 5, Count: 2})
	assert.Equal(t, []float64{109, 110}, tsOf(got))
}

func TestQuery_UnknownField(t *testing.T) {
	s := newStore(t, 10, 0)

	got, cursor := s.QueryWithCursor("missing", BySeconds(5))
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.True(t, math.IsInf(cursor, -1))
	assert.Empty(t, s.SnapshotSince("missing", 0))
	assert.Empty(t, s.Range("missing", 0, 10))
	assert.False(t, s.Has("missing"))
}

func TestQueryWithCursor_CursorIsNewest(t *testing.T) {
	s := newStore(t, 10, 200)
	s.Append("F", num(100, 1))
	s.Append("F", num(101, 2))

	// Window excludes the data but the cursor still reflects the field.
	got, cursor := s.QueryWithCursor("F", BySeconds(10))
	assert.Empty(t, got)
	assert.Equal(t, 101.0, cursor)
}

func TestSnapshotSince(t *testing.T) {
	s := newStore(t, 10, 0)
	for i := 1; i <= 5; i++ {
		s.Append("F", num(float64(i), 0))
	}

	assert.Equal(t, []float64{4, 5}, tsOf(s.SnapshotSince("F", 3)))
	assert.Empty(t, s.SnapshotSince("F", 5))
	assert.Len(t, s.SnapshotSince("F", math.Inf(-1)), 5)
}

func TestAppend_UnparsableValueKeptAsText(t *testing.T) {
	s := newStore(t, 10, 0)
	s.Append("Status", types.NewSample(1, types.ParseValue("n/a")))

	got := s.Query("Status", ByCount(1))
	require.Len(t, got, 1)
	assert.Equal(t, types.KindText, got[0].Value.Kind)
	assert.Equal(t, "n/a", got[0].Value.Str)
}

func TestAppendBatch(t *testing.T) {
	s := newStore(t, 10, 0)

	b := types.Batch{}
	b.Add("GPSLat", num(100, 34.5))
	b.Add("GPSLat", num(101, 34.6))
	b.Add("GPSLon", num(100, -120.1))

	assert.Equal(t, 3, s.AppendBatch(b))
	assert.Equal(t, []string{"GPSLat", "GPSLon"}, s.Fields())
	assert.Equal(t, 2, s.Len("GPSLat"))

	newest, ok := s.Newest("GPSLat")
	require.True(t, ok)
	assert.Equal(t, 34.6, newest.Value.Num)
}

func TestEvictOlderThan(t *testing.T) {
	s := newStore(t, 10, 0)
	for i := 1; i <= 5; i++ {
		s.Append("A", num(float64(i), 0))
		s.Append("B", num(float64(i), 0))
	}

	assert.Equal(t, 4, s.EvictOlderThan(3))
	assert.Equal(t, 3, s.Len("A"))
	assert.Equal(t, 3, s.Len("B"))
}

func TestEach(t *testing.T) {
	s := newStore(t, 10, 0)
	s.Append("B", num(1, 0))
	s.Append("A", num(1, 0))
	s.Append("A", num(2, 0))

	var seen []string
	s.Each(func(field string, samples []types.Sample) bool {
		seen = append(seen, fmt.Sprintf("%s:%d", field, len(samples)))
		return true
	})
	assert.Equal(t, []string{"A:2", "B:1"}, seen)

	count := 0
	s.Each(func(string, []types.Sample) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestStats(t *testing.T) {
	s := newStore(t, 2, 0)
	s.Append("F", num(1, 0))
	s.Append("F", num(2, 0))
	s.Append("F", num(3, 0))
	s.Append("F", num(0, 0)) // older than a full buffer

	st := s.Stats()
	assert.Equal(t, 1, st.Fields)
	assert.Equal(t, 2, st.Samples)
	assert.Equal(t, int64(3), st.Appended)
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, int64(1), st.Evicted)
	assert.Equal(t, 1, st.FullFields)

	s.Append("G", num(10, 0))
	st = s.Stats()
	assert.Equal(t, 1, st.FullFields)
	assert.Equal(t, 2.0, st.Oldest)
	assert.Equal(t, 10.0, st.Newest)
}

func TestStats_Empty(t *testing.T) {
	st := newStore(t, 2, 0).Stats()
	assert.Zero(t, st.Oldest)
	assert.Zero(t, st.Newest)
	assert.Zero(t, st.FullFields)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := newStore(t, 1000, 0)

	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			field := fmt.Sprintf("F%d", w%4)
			for i := 0; i < perWriter; i++ {
				s.Append(field, num(float64(i), float64(w)))
			}
		}(w)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			field := fmt.Sprintf("F%d", r)
			cursor := math.Inf(-1)
			for i := 0; i < 200; i++ {
				for _, sample := range s.SnapshotSince(field, cursor) {
					cursor = sample.Timestamp
				}
				s.Query(field, ByCount(10))
			}
		}(r)
	}

	wg.Wait()

	assert.Len(t, s.Fields(), 4)
	assert.Equal(t, int64(writers*perWriter), s.Stats().Appended+s.Stats().Dropped)
}
