package wire

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"

	"github.com/xtxerr/sensorcache/config"
	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/validation"
)

// Client message types.
const (
	TypeSubscribe = "subscribe"
	TypeReady     = "ready"
	TypeFields    = "fields"
	TypePublish   = "publish"
)

// =============================================================================
// Client -> Server
// =============================================================================

// ClientMessage is the envelope of every client text message. Only the
// members relevant to Type are set.
type ClientMessage struct {
	Type     string          `json:"type"`
	Interval float64         `json:"interval,omitempty"`
	Fields   json.RawMessage `json:"fields,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ParseClientMessage decodes a client text message.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, errors.NewMalformed(errors.ErrInvalidRequest, "decode message: %v", err)
	}
	return msg, nil
}

// FieldSpec is the per-field history request of a subscription. Absent
// members are nil.
type FieldSpec struct {
	Seconds     *float64 `json:"seconds,omitempty"`
	BackRecords *float64 `json:"back_records,omitempty"`
}

// Seconds returns a FieldSpec requesting the last s seconds.
func Seconds(s float64) FieldSpec {
	return FieldSpec{Seconds: &s}
}

// BackRecords returns a FieldSpec requesting the last n samples.
func BackRecords(n int) FieldSpec {
	f := float64(n)
	return FieldSpec{BackRecords: &f}
}

// Resolve applies the defaults: with neither member set the request is for
// the last config.DefaultFieldSecondsBack seconds; a single member leaves
// the other at zero. Counts beyond the int range saturate.
func (f FieldSpec) Resolve() (seconds float64, backRecords int) {
	if f.Seconds == nil && f.BackRecords == nil {
		return config.DefaultFieldSecondsBack, 0
	}
	if f.Seconds != nil {
		seconds = *f.Seconds
	}
	if f.BackRecords != nil && *f.BackRecords > 0 {
		if *f.BackRecords >= float64(math.MaxInt) {
			backRecords = math.MaxInt
		} else {
			backRecords = int(*f.BackRecords)
		}
	}
	return seconds, backRecords
}

// Subscription is a validated subscribe request.
type Subscription struct {
	// Interval is the client-declared poll interval in seconds (0 if absent).
	Interval float64

	Fields map[string]FieldSpec
}

// Names returns the subscribed field names, sorted.
func (s Subscription) Names() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseSubscribe validates a subscribe message. Fields may be an object of
// FieldSpecs or a plain list of names (each with the default spec). Invalid
// field names are dropped; a request left with no fields is invalid.
func ParseSubscribe(msg ClientMessage) (Subscription, error) {
	if msg.Type != TypeSubscribe {
		return Subscription{}, errors.NewMalformed(errors.ErrInvalidRequest, "message type %q is not subscribe", msg.Type)
	}
	raw := bytes.TrimSpace(msg.Fields)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Subscription{}, errors.NewMalformed(errors.ErrInvalidRequest, "subscribe without fields")
	}

	specs := make(map[string]FieldSpec)
	if raw[0] == '[' {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return Subscription{}, errors.NewMalformed(errors.ErrInvalidRequest, "decode fields: %v", err)
		}
		for _, n := range validation.NormalizeFieldList(names) {
			specs[n] = FieldSpec{}
		}
	} else {
		var m map[string]*FieldSpec
		if err := json.Unmarshal(raw, &m); err != nil {
			return Subscription{}, errors.NewMalformed(errors.ErrInvalidRequest, "decode fields: %v", err)
		}
		for n, spec := range m {
			if spec == nil {
				spec = &FieldSpec{}
			}
			specs[n] = *spec
		}
	}

	for n := range specs {
		if err := validation.ValidateFieldName(n); err != nil {
			delete(specs, n)
		}
	}
	if len(specs) == 0 {
		return Subscription{}, errors.NewMalformed(errors.ErrInvalidRequest, "subscribe without valid fields")
	}

	return Subscription{Interval: msg.Interval, Fields: specs}, nil
}

// =============================================================================
// Server -> Client
// =============================================================================

// DataMessage carries samples keyed by field name.
type DataMessage struct {
	Data map[string][]types.Sample `json:"data"`
}

// FieldsMessage answers a fields request.
type FieldsMessage struct {
	Type string   `json:"type"`
	Data []string `json:"data"`
}

// PublishMessage is a websocket batch publish.
type PublishMessage struct {
	Type string      `json:"type"`
	Data types.Batch `json:"data"`
}

// NewPublish wraps a batch in a publish message.
func NewPublish(b types.Batch) PublishMessage {
	return PublishMessage{Type: TypePublish, Data: b}
}

// =============================================================================
// Batches
// =============================================================================

// ParseBatch decodes a JSON batch {field: [[ts, value], ...], ...}.
// Returns the batch and the number of malformed samples skipped.
func ParseBatch(raw []byte) (types.Batch, int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, 0, errors.NewMalformed(errors.ErrMalformedBatch, "decode batch: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, 0, errors.NewMalformed(errors.ErrMalformedBatch, "batch must be an object, got %T", v)
	}
	return DecodeBatch(obj)
}

// DecodeBatch converts a decoded batch object into a Batch. Pairs with the
// wrong arity or a non-numeric timestamp are skipped and counted; a field
// whose value is not a list counts as one skipped sample.
func DecodeBatch(obj map[string]any) (types.Batch, int, error) {
	if obj == nil {
		return nil, 0, errors.NewMalformed(errors.ErrMalformedBatch, "empty batch")
	}

	batch := make(types.Batch, len(obj))
	skipped := 0
	for field, rawList := range obj {
		list, ok := rawList.([]any)
		if !ok {
			skipped++
			continue
		}
		for _, rawPair := range list {
			pair, ok := rawPair.([]any)
			if !ok {
				skipped++
				continue
			}
			sample, err := types.ParsePair(pair)
			if err != nil {
				skipped++
				continue
			}
			batch.Add(field, sample)
		}
	}
	return batch, skipped, nil
}
