package query

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/storage/fieldstore"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

func newEngine(t *testing.T, now float64, cfg Config) (*Engine, *fieldstore.Store) {
	t.Helper()
	store, err := fieldstore.New(fieldstore.Config{
		Capacity: 100,
		Now:      func() time.Time { return time.Unix(0, int64(now*1e9)) },
	})
	require.NoError(t, err)
	return New(store, nil, cfg), store
}

func add(store *fieldstore.Store, field string, ts float64, v types.Value) {
	store.Append(field, types.NewSample(ts, v))
}

func TestCatchup_BackRecords(t *testing.T) {
	e, store := newEngine(t, 0, Config{})
	for i := 1; i <= 10; i++ {
		add(store, "F", float64(i), types.Number(float64(i)))
	}

	samples, cursor := e.Catchup("F", FieldRequest{BackRecords: 3})
	require.Len(t, samples, 3)
	assert.Equal(t, 8.0, samples[0].Timestamp)
	assert.Equal(t, 10.0, cursor)
}

func TestCatchup_Seconds(t *testing.T) {
	e, store := newEngine(t, 105, Config{})
	add(store, "GPSLat", 100, types.Number(34.5))
	add(store, "GPSLat", 101, types.Number(34.6))

	samples, cursor := e.Catchup("GPSLat", FieldRequest{Seconds: 10})
	require.Len(t, samples, 2)
	assert.Equal(t, 101.0, cursor)

	samples, _ = e.Catchup("GPSLat", FieldRequest{Seconds: 5})
	require.Len(t, samples, 1)
	assert.Equal(t, 101.0, samples[0].Timestamp)
}

func TestCatchup_CountPrecedence(t *testing.T) {
	e, store := newEngine(t, 100, Config{})
	for i := 91; i <= 100; i++ {
		add(store, "F", float64(i), types.Number(0))
	}

	samples, _ := e.Catchup("F", FieldRequest{Seconds: 5, BackRecords: 2})
	assert.Len(t, samples, 2)
}

func TestCatchup_UnknownField(t *testing.T) {
	e, _ := newEngine(t, 0, Config{})

	samples, cursor := e.Catchup("missing", FieldRequest{Seconds: 5})
	require.NotNil(t, samples)
	assert.Empty(t, samples)
	assert.True(t, math.IsInf(cursor, -1))
}

func TestRange_MergesRowsPerTimestamp(t *testing.T) {
	e, store := newEngine(t, 0, Config{})
	add(store, "GPSLat", 100, types.Number(34.5))
	add(store, "GPSLat", 101, types.Number(34.6))
	add(store, "GPSLon", 101, types.Number(-120.1))
	add(store, "GPSLon", 102, types.Number(-120.2))
	add(store, "GPSLat", 103, types.Number(34.7))

	rows, err := e.Range(context.Background(), RangeRequest{
		Fields: []string{"GPSLat", "GPSLon"},
		Start:  100,
		End:    102,
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	raw, err := json.Marshal(rows)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"time":100,"GPSLat":34.5},
		{"time":101,"GPSLat":34.6,"GPSLon":-120.1},
		{"time":102,"GPSLon":-120.2}
	]`, string(raw))
}

func TestRange_UnboundedEnd(t *testing.T) {
	e, store := newEngine(t, 0, Config{})
	for i := 1; i <= 5; i++ {
		add(store, "F", float64(i), types.Number(0))
	}

	rows, err := e.Range(context.Background(), RangeRequest{Fields: []string{"F"}, Start: 3})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRange_UnknownFieldIsEmpty(t *testing.T) {
	e, _ := newEngine(t, 0, Config{})

	rows, err := e.Range(context.Background(), RangeRequest{Fields: []string{"missing"}, Start: 0, End: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRange_Invalid(t *testing.T) {
	e, _ := newEngine(t, 0, Config{})

	tests := []RangeRequest{
		{Fields: nil, Start: 0, End: 1},
		{Fields: []string{"a/b"}, Start: 0, End: 1},
		{Fields: []string{"F"}, Start: 5, End: 1},
		{Fields: []string{"time"}, Start: 0, End: 1},
	}
	for _, req := range tests {
		_, err := e.Range(context.Background(), req)
		require.Error(t, err, "%+v", req)
		assert.True(t, errors.IsMalformed(err), "%+v: %v", req, err)
	}
	assert.Equal(t, int64(len(tests)), e.Statistics().RejectedQueries)
}

func TestRange_TooManyRows(t *testing.T) {
	e, store := newEngine(t, 0, Config{MaxRows: 3})
	for i := 1; i <= 5; i++ {
		add(store, "F", float64(i), types.Number(0))
	}

	_, err := e.Range(context.Background(), RangeRequest{Fields: []string{"F"}, Start: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTooManyRows))
}

func TestRange_CancelledContext(t *testing.T) {
	e, store := newEngine(t, 0, Config{})
	add(store, "F", 1, types.Number(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the result or the cancellation may win; neither may hang.
	rows, err := e.Range(ctx, RangeRequest{Fields: []string{"F"}, Start: 0})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	} else {
		assert.Len(t, rows, 1)
	}
}

func TestLatest(t *testing.T) {
	e, store := newEngine(t, 0, Config{})
	add(store, "A", 1, types.Number(1))
	add(store, "A", 2, types.Number(2))
	add(store, "B", 5, types.Text("OK"))

	latest := e.Latest(nil)
	require.Len(t, latest, 2)
	assert.Equal(t, 2.0, latest["A"].Timestamp)
	assert.Equal(t, types.Text("OK"), latest["B"].Value)

	latest = e.Latest([]string{"A", "missing"})
	assert.Len(t, latest, 1)
}

func TestStats(t *testing.T) {
	e, store := newEngine(t, 200, Config{})
	for i := 1; i <= 100; i++ {
		add(store, "Depth", float64(100+i), types.Number(float64(i)))
	}
	add(store, "Depth", 200, types.Text("n/a"))

	s, err := e.Stats("Depth", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.Count)
	assert.Equal(t, int64(1), s.Skipped)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	require.True(t, s.HasPercentiles())
	assert.InDelta(t, 50, *s.P50, 2)

	s, err = e.Stats("Depth", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), s.Count)
	assert.Equal(t, 190.0, s.Start)

	s, err = e.Stats("missing", 10)
	require.NoError(t, err)
	assert.Zero(t, s.Count)
	assert.False(t, s.HasPercentiles())

	_, err = e.Stats("bad name", 10)
	assert.Error(t, err)
}
