package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind identifies the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

var kindNames = [...]string{
	KindNull:   "null",
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func parseKind(s string) (ValueKind, bool) {
	for i, name := range kindNames {
		if name == s {
			return ValueKind(i), true
		}
	}
	return KindNull, false
}

// Value is a scalar metadata value. The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  int64
	flt  float64
	bit  bool
}

// Metadata is the open string-keyed mapping attached to a record.
type Metadata map[string]Value

func NullValue() Value { return Value{} }

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func IntValue(i int64) Value { return Value{kind: KindInt, num: i} }

func FloatValue(f float64) Value { return Value{kind: KindFloat, flt: f} }

func BoolValue(b bool) Value { return Value{kind: KindBool, bit: b} }

// Kind returns the variant of v.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }

func (v Value) AsFloat() (float64, bool) { return v.flt, v.kind == KindFloat }

func (v Value) AsBool() (bool, bool) { return v.bit, v.kind == KindBool }

// String renders v for display. Null renders as an empty string.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.bit)
	default:
		return ""
	}
}

// Equal reports whether v and o hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	return v == o
}

type wireValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes v as {"kind":"int","value":3} so ints and floats
// survive a round trip unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	var (
		raw []byte
		err error
	)
	switch v.kind {
	case KindString:
		raw, err = json.Marshal(v.str)
	case KindInt:
		raw, err = json.Marshal(v.num)
	case KindFloat:
		raw, err = json.Marshal(v.flt)
	case KindBool:
		raw, err = json.Marshal(v.bit)
	}
	if err != nil {
		return nil, err
	}
	w.Value = raw
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := parseKind(w.Kind)
	if !ok {
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	out := Value{kind: kind}
	var err error
	switch kind {
	case KindString:
		err = json.Unmarshal(w.Value, &out.str)
	case KindInt:
		err = json.Unmarshal(w.Value, &out.num)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.flt)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.bit)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", w.Kind, err)
	}
	*v = out
	return nil
}

// Clone returns a copy of m. Values are immutable so a shallow copy suffices.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
