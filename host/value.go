package host

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// DataType names the wire type of a SQL parameter or column value.
type DataType string

const (
	TypeInt32     DataType = "int32"
	TypeInt64     DataType = "int64"
	TypeUint32    DataType = "uint32"
	TypeUint64    DataType = "uint64"
	TypeFloat     DataType = "float"
	TypeDouble    DataType = "double"
	TypeString    DataType = "str"
	TypeBoolean   DataType = "boolean"
	TypeDate      DataType = "date"
	TypeTime      DataType = "time"
	TypeTimestamp DataType = "timestamp"
	TypeBinary    DataType = "binary"
	TypeNumeric   DataType = "numeric"
	TypeJSON      DataType = "json"
	TypeNull      DataType = "null"
)

// Layouts for the textual temporal types.
const (
	DateLayout           = "2006-01-02"
	TimeLayout           = "15:04:05.999999999"
	NaiveTimestampLayout = "2006-01-02 15:04:05.999999999"
)

// Value is a typed scalar. Raw holds the JSON encoding of the value; it is
// decoded lazily according to Type so 64-bit integers keep full precision.
type Value struct {
	Type DataType        `json:"type"`
	Raw  json.RawMessage `json:"value,omitempty"`
}

// NewValue encodes v as a value of type t. It panics if v has no JSON
// encoding; use EncodeValue for values that come from outside the program.
func NewValue(t DataType, v any) Value {
	val, err := EncodeValue(t, v)
	if err != nil {
		panic(err)
	}
	return val
}

// EncodeValue encodes v as a value of type t. Non-finite floats have no
// encoding and are rejected rather than read back as null.
func EncodeValue(t DataType, v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{Type: t}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, fmt.Errorf("%s value %v is not finite", t, x)
		}
	case float32:
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("%s value %v is not finite", t, x)
		}
	case time.Time:
		switch t {
		case TypeDate:
			v = x.Format(DateLayout)
		case TypeTime:
			v = x.Format(TimeLayout)
		default:
			v = x.Format(time.RFC3339Nano)
		}
	case decimal.Decimal:
		v = x.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode %s value: %w", t, err)
	}
	return Value{Type: t, Raw: raw}, nil
}

// Null returns a null value of type t.
func Null(t DataType) Value {
	return Value{Type: t}
}

func (v Value) IsNull() bool {
	return v.Type == TypeNull || len(v.Raw) == 0 || bytes.Equal(v.Raw, []byte("null"))
}

func (v Value) decode(dst any) error {
	if v.IsNull() {
		return fmt.Errorf("%s value is null", v.Type)
	}
	if err := json.Unmarshal(v.Raw, dst); err != nil {
		return fmt.Errorf("decode %s value: %w", v.Type, err)
	}
	return nil
}

func (v Value) Int64() (int64, error) {
	var n int64
	err := v.decode(&n)
	return n, err
}

func (v Value) Int32() (int32, error) {
	n, err := v.Int64()
	if err != nil {
		return 0, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("value %d out of range for int32", n)
	}
	return int32(n), nil
}

func (v Value) Uint64() (uint64, error) {
	var n uint64
	err := v.decode(&n)
	return n, err
}

func (v Value) Float64() (float64, error) {
	var f float64
	err := v.decode(&f)
	return f, err
}

func (v Value) Str() (string, error) {
	var s string
	err := v.decode(&s)
	return s, err
}

func (v Value) Bool() (bool, error) {
	var b bool
	err := v.decode(&b)
	return b, err
}

// Bytes decodes a binary value, which travels as base64 text.
func (v Value) Bytes() ([]byte, error) {
	var b []byte
	err := v.decode(&b)
	return b, err
}

func (v Value) Decimal() (decimal.Decimal, error) {
	var d decimal.Decimal
	err := v.decode(&d)
	return d, err
}

// Time decodes a temporal value. Timestamps accept RFC 3339 first and fall
// back to the naive "YYYY-MM-DD HH:MM:SS[.fff]" form, interpreted as UTC.
func (v Value) Time() (time.Time, error) {
	s, err := v.Str()
	if err != nil {
		return time.Time{}, err
	}

	switch v.Type {
	case TypeDate:
		return time.Parse(DateLayout, s)
	case TypeTime:
		return time.Parse(TimeLayout, s)
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(NaiveTimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is neither RFC 3339 nor %q", s, NaiveTimestampLayout)
	}
	return t, nil
}

// Any decodes the value into its natural Go representation.
func (v Value) Any() (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch v.Type {
	case TypeInt32:
		return v.Int32()
	case TypeInt64:
		return v.Int64()
	case TypeUint32:
		n, err := v.Uint64()
		if err != nil {
			return nil, err
		}
		if n > math.MaxUint32 {
			return nil, fmt.Errorf("value %d out of range for uint32", n)
		}
		return uint32(n), nil
	case TypeUint64:
		return v.Uint64()
	case TypeFloat, TypeDouble:
		return v.Float64()
	case TypeString:
		return v.Str()
	case TypeBoolean:
		return v.Bool()
	case TypeDate, TypeTime, TypeTimestamp:
		return v.Time()
	case TypeBinary:
		return v.Bytes()
	case TypeNumeric:
		return v.Decimal()
	case TypeJSON:
		return json.RawMessage(bytes.Clone(v.Raw)), nil
	}
	return nil, fmt.Errorf("unknown value type %q", v.Type)
}
