package types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/xtxerr/sensorcache/internal/errors"
)

// Sample is one observation of a field. Samples are immutable once appended.
type Sample struct {
	// Timestamp is seconds since the Unix epoch, as reported by the writer.
	Timestamp float64

	Value Value
}

// NewSample builds a sample from a timestamp and an already-typed value.
func NewSample(ts float64, v Value) Sample {
	return Sample{Timestamp: ts, Value: v}
}

// Sanitize returns s with a non-finite number downgraded to text. ok is
// false when the timestamp is not finite; such a sample has no position in
// a field and must not be stored.
func (s Sample) Sanitize() (Sample, bool) {
	if math.IsNaN(s.Timestamp) || math.IsInf(s.Timestamp, 0) {
		return s, false
	}
	if s.Value.Kind == KindNumber {
		s.Value = numberOrText(s.Value.Num, strconv.FormatFloat(s.Value.Num, 'g', -1, 64))
	}
	return s, true
}

// Time returns the timestamp as a time.Time.
func (s Sample) Time() time.Time {
	sec, frac := math.Modf(s.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// MarshalJSON encodes the sample as the wire pair [timestamp, value].
func (s Sample) MarshalJSON() ([]byte, error) {
	val, err := s.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatFloat(s.Timestamp, 'f', -1, 64))
	buf.WriteByte(',')
	buf.Write(val)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a [timestamp, value] pair.
func (s *Sample) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var pair []any
	if err := dec.Decode(&pair); err != nil {
		return err
	}
	parsed, err := ParsePair(pair)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParsePair converts a decoded [timestamp, value] pair into a Sample.
// The timestamp must be numeric (or a numeric string); the value follows
// ParseValue.
func ParsePair(pair []any) (Sample, error) {
	if len(pair) != 2 {
		return Sample{}, errors.NewMalformed(errors.ErrMalformedSample, "sample must be a [timestamp, value] pair, got %d elements", len(pair))
	}
	ts, err := ParseTimestamp(pair[0])
	if err != nil {
		return Sample{}, err
	}
	return Sample{Timestamp: ts, Value: ParseValue(pair[1])}, nil
}

// ParseTimestamp converts a decoded timestamp into float seconds.
func ParseTimestamp(raw any) (float64, error) {
	var ts float64
	switch x := raw.(type) {
	case float64:
		ts = x
	case int:
		ts = float64(x)
	case int64:
		ts = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, errors.NewMalformed(errors.ErrMalformedSample, "timestamp %q is not numeric", x.String())
		}
		ts = f
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, errors.NewMalformed(errors.ErrMalformedSample, "timestamp %q is not numeric", x)
		}
		ts = f
	default:
		return 0, errors.NewMalformed(errors.ErrMalformedSample, "timestamp has unsupported type %T", raw)
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0, errors.NewMalformed(errors.ErrMalformedSample, "timestamp %v is not finite", ts)
	}
	return ts, nil
}

// Batch maps field names to samples, the unit writers publish.
// Samples within one field keep the order the writer sent them in.
type Batch map[string][]Sample

// Len returns the number of samples across all fields.
func (b Batch) Len() int {
	n := 0
	for _, samples := range b {
		n += len(samples)
	}
	return n
}

// Add appends a sample to a field.
func (b Batch) Add(field string, s Sample) {
	b[field] = append(b[field], s)
}
