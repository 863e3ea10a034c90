package property

import (
	"fmt"
	"strconv"
	"time"
)

// Kind is the type of a property value.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindString
	KindInt64
	KindFloat64
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindTimestamp:
		return "timestamp"
	default:
		return "invalid"
	}
}

func (k Kind) valid() bool { return k >= KindBool && k <= KindTimestamp }

// Value is a provider's answer: a typed value, or unknown.
//
// The zero Value is unknown with an invalid kind.
type Value struct {
	Kind Kind
	v    any
}

func BoolValue(b bool) Value           { return Value{Kind: KindBool, v: b} }
func StringValue(s string) Value       { return Value{Kind: KindString, v: s} }
func Int64Value(i int64) Value         { return Value{Kind: KindInt64, v: i} }
func Float64Value(f float64) Value     { return Value{Kind: KindFloat64, v: f} }
func TimestampValue(t time.Time) Value { return Value{Kind: KindTimestamp, v: t} }

// UnknownValue is the absent value of the given kind.
func UnknownValue(kind Kind) Value { return Value{Kind: kind} }

// Known reports whether the value is present.
func (v Value) Known() bool { return v.v != nil }

// Raw returns the underlying Go value (bool, string, int64, float64, time.Time) or nil.
func (v Value) Raw() any { return v.v }

func (v Value) AsBool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

func (v Value) AsInt64() (int64, bool) {
	i, ok := v.v.(int64)
	return i, ok
}

func (v Value) AsFloat64() (float64, bool) {
	f, ok := v.v.(float64)
	return f, ok
}

func (v Value) AsTimestamp() (time.Time, bool) {
	t, ok := v.v.(time.Time)
	return t, ok
}

// Display renders the value for logs and CLI output.
func (v Value) Display() string {
	if !v.Known() {
		return "<unknown>"
	}
	switch x := v.v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case string:
		return strconv.Quote(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// Property is a named value. Name is the join key with the condition evaluator.
type Property struct {
	Name string
	Value
}

// Unknown returns the absent property for name.
func Unknown(name string, kind Kind) Property {
	return Property{Name: name, Value: UnknownValue(kind)}
}

func (p Property) Display() string { return p.Name + "=" + p.Value.Display() }

// Results maps each requested name to its property. Every requested name is present.
type Results map[string]Property

// Known returns only the properties that resolved to a value.
func (r Results) Known() map[string]any {
	out := make(map[string]any, len(r))
	for name, p := range r {
		if p.Known() {
			out[name] = p.Raw()
		}
	}
	return out
}
