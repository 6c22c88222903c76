package preview

import (
	"encoding"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

type Kind uint8

const (
	Null Kind = iota
	Integer
	Float
	Text
	Boolean
	Nested
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Text:
		return "text"
	case Boolean:
		return "boolean"
	case Nested:
		return "nested"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a single cell of a query result. The zero Value is Null.
type Value struct {
	kind   Kind
	i      int64
	f      float64
	bits   int
	s      string
	b      bool
	nested any
}

func NullValue() Value { return Value{} }
func IntegerValue(i int64) Value { return Value{kind: Integer, i: i} }
func FloatValue(f float64) Value { return Value{kind: Float, f: f, bits: 64} }
func TextValue(s string) Value { return Value{kind: Text, s: s} }
func BooleanValue(b bool) Value { return Value{kind: Boolean, b: b} }
func NestedValue(v any) Value { return Value{kind: Nested, nested: v} }
func float32Value(f float32) Value { return Value{kind: Float, f: float64(f), bits: 32} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }
func (v Value) Int() (int64, bool) { return v.i, v.kind == Integer }
func (v Value) Str() (string, bool) { return v.s, v.kind == Text }
func (v Value) Bool() (bool, bool) { return v.b, v.kind == Boolean }
func (v Value) Nested() (any, bool) { return v.nested, v.kind == Nested }
func (v Value) Float() (float64, bool) { return v.f, v.kind == Float }

// ValueOf converts a value scanned by database/sql into a Value.
func ValueOf(src any) Value {
	switch x := src.(type) {
	case nil:
		return NullValue()
	case Value:
		return x
	case bool:
		return BooleanValue(x)
	case int:
		return IntegerValue(int64(x))
	case int8:
		return IntegerValue(int64(x))
	case int16:
		return IntegerValue(int64(x))
	case int32:
		return IntegerValue(int64(x))
	case int64:
		return IntegerValue(x)
	case uint:
		return unsignedValue(uint64(x))
	case uint8:
		return IntegerValue(int64(x))
	case uint16:
		return IntegerValue(int64(x))
	case uint32:
		return IntegerValue(int64(x))
	case uint64:
		return unsignedValue(x)
	case float32:
		return float32Value(x)
	case float64:
		return FloatValue(x)
	case string:
		return TextValue(x)
	case []byte:
		return TextValue(string(x))
	case time.Time:
		return TextValue(x.Format(time.RFC3339Nano))
	case *time.Time:
		if x == nil {
			return NullValue()
		}
		return TextValue(x.Format(time.RFC3339Nano))
	case encoding.TextMarshaler:
		b, err := x.MarshalText()
		if err != nil {
			return NestedValue(x)
		}
		return TextValue(string(b))
	case fmt.Stringer:
		return TextValue(x.String())
	default:
		return NestedValue(x)
	}
}

func unsignedValue(u uint64) Value {
	if u > math.MaxInt64 {
		return NestedValue(u)
	}
	return IntegerValue(int64(u))
}

// String renders the value for display. The output is deterministic for a
// given value.
func (v Value) String() string {
	switch v.kind {
	case Null:
		return "null"
	case Integer:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, v.bits)
	case Text:
		return strconv.Quote(v.s)
	case Boolean:
		return strconv.FormatBool(v.b)
	case Nested:
		b, err := json.Marshal(v.nested)
		if err != nil {
			return strconv.Quote(fmt.Sprintf("%v", v.nested))
		}
		return string(b)
	default:
		return "null"
	}
}
