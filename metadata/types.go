package metadata

import (
	"math"
	"sort"
	"strconv"
	"unique"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
)

// Value is a small typed value used for record fields and filters.
//
// The representation is designed to make filtering fast and predictable:
// no reflection and no fmt-based stringification.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind
	I64  int64
	F64  float64
	s    unique.Handle[string] // interned string payload
	B    bool
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, s: unique.Make(v)} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the float64 value if Kind is KindFloat.
func (v Value) AsFloat64() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.F64, true
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.s.Value(), true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// StringValue returns the string value if Kind is KindString, otherwise empty string.
func (v Value) StringValue() string {
	if v.Kind == KindString {
		return v.s.Value()
	}
	return ""
}

// IsNumber reports whether the value is an int or float.
func (v Value) IsNumber() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

// Number returns the value as float64 for numeric kinds.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I64), true
	case KindFloat:
		return v.F64, true
	default:
		return 0, false
	}
}

// Truthy reports whether the value counts as present-and-set for boosting:
// non-zero numbers, non-empty strings, true booleans.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindInt:
		return v.I64 != 0
	case KindFloat:
		return v.F64 != 0
	case KindString:
		return v.s.Value() != ""
	case KindBool:
		return v.B
	default:
		return false
	}
}

// Equal compares two values. Int and float compare numerically, so
// Int(5) equals Float(5.0).
func (v Value) Equal(other Value) bool {
	if v.Kind == KindNull || other.Kind == KindNull {
		return v.Kind == other.Kind
	}

	if v.IsNumber() && other.IsNumber() {
		if v.Kind == KindInt && other.Kind == KindInt {
			return v.I64 == other.I64
		}
		a, _ := v.Number()
		b, _ := other.Number()
		return a == b
	}

	if v.Kind != other.Kind {
		return false
	}

	switch v.Kind {
	case KindString:
		return v.s == other.s
	case KindBool:
		return v.B == other.B
	default:
		return false
	}
}

// Key returns a stable string representation for use in maps.
//
// It is intended for internal indexing (inverted postings) and must remain
// stable across versions. Integral floats share a key with the equal int so
// numeric equality and posting lookups agree.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return "n:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		if i := int64(v.F64); float64(i) == v.F64 {
			return "n:" + strconv.FormatInt(i, 10)
		}
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + v.s.Value()
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	default:
		return "invalid"
	}
}

// Display returns a human-readable rendering, used for aggregation bucket
// labels.
func (v Value) Display() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindString:
		return v.s.Value()
	case KindBool:
		return strconv.FormatBool(v.B)
	default:
		return ""
	}
}

// Document is a typed field-name to value mapping.
type Document map[string]Value

// Clone creates a copy of the document. Values are immutable, so a shallow
// copy of the map suffices.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = v
	}
	return clone
}

// SortedKeys returns the field names in lexicographic order, for
// deterministic encoding and display.
func (d Document) SortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
