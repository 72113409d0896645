package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	b1 := types.Batch{}
	b1.Add("GPSLat", types.NewSample(100, types.Number(34.5)))
	b1.Add("GPSLat", types.NewSample(101, types.Number(34.6)))
	b1.Add("Status", types.NewSample(100, types.Text("OK")))

	b2 := types.Batch{}
	b2.Add("Wind", types.NewSample(102, types.Null()))

	require.NoError(t, w.WriteBatch(b1))
	require.NoError(t, w.WriteBatch(b2))

	r := NewReader(&buf)

	got, skipped, err := r.ReadBatch()
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, got["GPSLat"], 2)
	assert.Equal(t, 101.0, got["GPSLat"][1].Timestamp)
	assert.Equal(t, types.Number(34.6), got["GPSLat"][1].Value)
	assert.Equal(t, types.Text("OK"), got["Status"][0].Value)

	got, _, err = r.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, types.KindNull, got["Wind"][0].Value.Kind)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_MaxSize(t *testing.T) {
	var buf bytes.Buffer
	b := types.Batch{}
	for i := 0; i < 100; i++ {
		b.Add("F", types.NewSample(float64(i), types.Text("some long text value")))
	}
	require.NoError(t, NewWriter(&buf).WriteBatch(b))

	r := NewReader(&buf)
	r.SetMaxSize(64)
	_, err := r.Read()
	assert.Error(t, err)
}

func TestParseBatch(t *testing.T) {
	raw := []byte(`{
		"GPSLat": [[100, 34.5], [101, "34.6"]],
		"Status": [[100, "OK"], [101]],
		"Bad": 5,
		"Time": [["abc", 1], [102.5, null]]
	}`)

	b, skipped, err := ParseBatch(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, skipped)

	require.Len(t, b["GPSLat"], 2)
	assert.Equal(t, types.Number(34.6), b["GPSLat"][1].Value)
	require.Len(t, b["Status"], 1)
	assert.Equal(t, types.Text("OK"), b["Status"][0].Value)
	require.Len(t, b["Time"], 1)
	assert.Equal(t, 102.5, b["Time"][0].Timestamp)
	assert.NotContains(t, b, "Bad")
}

func TestParseBatch_NotAnObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"x"`, `{`} {
		_, _, err := ParseBatch([]byte(raw))
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, errors.ErrMalformedBatch), raw)
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","interval":2,
		"fields":{"GPSLat":{"seconds":10},"GPSLon":{"back_records":3},"Heading":{}}}`))
	require.NoError(t, err)

	sub, err := ParseSubscribe(msg)
	require.NoError(t, err)
	assert.Equal(t, 2.0, sub.Interval)
	assert.Equal(t, []string{"GPSLat", "GPSLon", "Heading"}, sub.Names())

	s, n := sub.Fields["GPSLat"].Resolve()
	assert.Equal(t, 10.0, s)
	assert.Zero(t, n)

	s, n = sub.Fields["GPSLon"].Resolve()
	assert.Zero(t, s)
	assert.Equal(t, 3, n)

	s, n = sub.Fields["Heading"].Resolve()
	assert.Equal(t, 1.0, s)
	assert.Zero(t, n)
}

func TestFieldSpec_HugeBackRecords(t *testing.T) {
	for _, raw := range []string{`{"back_records":1e19}`, `{"back_records":1e300}`} {
		var spec FieldSpec
		require.NoError(t, json.Unmarshal([]byte(raw), &spec))
		_, n := spec.Resolve()
		assert.Equal(t, math.MaxInt, n, raw)
	}
}

func TestParseSubscribe_ListForm(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","fields":["A","B","A"]}`))
	require.NoError(t, err)

	sub, err := ParseSubscribe(msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, sub.Names())
}

func TestParseSubscribe_Invalid(t *testing.T) {
	tests := []string{
		`{"type":"subscribe"}`,
		`{"type":"subscribe","fields":{}}`,
		`{"type":"subscribe","fields":[]}`,
		`{"type":"subscribe","fields":null}`,
		`{"type":"subscribe","fields":{"a/b":{}}}`,
		`{"type":"subscribe","fields":7}`,
		`{"type":"ready"}`,
	}

	for _, raw := range tests {
		msg, err := ParseClientMessage([]byte(raw))
		require.NoError(t, err, raw)
		_, err = ParseSubscribe(msg)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), raw)
	}
}

func TestDataMessageEncoding(t *testing.T) {
	msg := DataMessage{Data: map[string][]types.Sample{
		"GPSLat": {types.NewSample(102, types.Number(34.7))},
		"Empty":  {},
	}}

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"GPSLat":[[102,34.7]],"Empty":[]}}`, string(b))
}

func TestPublishMessageEncoding(t *testing.T) {
	b := types.Batch{}
	b.Add("F", types.NewSample(1, types.Text("x")))

	raw, err := json.Marshal(NewPublish(b))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"publish","data":{"F":[[1,"x"]]}}`, string(raw))

	msg, err := ParseClientMessage(raw)
	require.NoError(t, err)
	decoded, skipped, err := ParseBatch(msg.Data)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, b, decoded)
}
