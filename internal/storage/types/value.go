package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind indicates which member of a Value is set.
type Kind uint8

const (
	// KindNumber is a finite float64 measurement (e.g., latitude, wind speed).
	KindNumber Kind = iota
	// KindText is a string value (e.g., a status flag or an unparsable reading).
	KindText
	// KindNull is an explicit JSON null published by a writer.
	KindNull
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindNull:
		return "null"
	default:
		return "unknown"
	}
}

// Value is a sample value. The Kind is decided per sample when the value is
// decoded, never declared per field.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{Kind: KindNumber, Num: f}
}

// Text returns a text Value.
func Text(s string) Value {
	return Value{Kind: KindText, Str: s}
}

// Null returns the null Value.
func Null() Value {
	return Value{Kind: KindNull}
}

// IsNumber reports whether v carries a number.
func (v Value) IsNumber() bool {
	return v.Kind == KindNumber
}

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) {
	return v.Num, v.Kind == KindNumber
}

// String formats the value for display.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindText:
		return v.Str
	default:
		return "null"
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindText:
		return v.Str == o.Str
	default:
		return true
	}
}

// ParseValue converts a decoded JSON (or structpb) value into a Value.
// Strings that parse as finite floats become numbers; anything else that is
// not a number is preserved as text.
func ParseValue(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case float64:
		return numberOrText(x, strconv.FormatFloat(x, 'g', -1, 64))
	case float32:
		return numberOrText(float64(x), strconv.FormatFloat(float64(x), 'g', -1, 32))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Text(x.String())
		}
		return numberOrText(f, x.String())
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return Text(x)
		}
		return numberOrText(f, x)
	case bool:
		return Text(strconv.FormatBool(x))
	case Value:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return Text(fmt.Sprint(x))
		}
		return Text(string(b))
	}
}

func numberOrText(f float64, text string) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Text(text)
	}
	return Number(f)
}

// MarshalJSON encodes numbers as JSON numbers, text as strings and null as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return []byte(strconv.FormatFloat(v.Num, 'g', -1, 64)), nil
	case KindText:
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON scalar using the ParseValue rules.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = ParseValue(raw)
	return nil
}
