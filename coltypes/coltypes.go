package coltypes

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// Type is a column data type. Values of a column are held in one canonical Go
	// representation per family: int64 for signed integers, uint64 for unsigned
	// integers, Date and DateTime, float64 for floats and string for String.
	Type uint8
)

const (
	Invalid Type = iota
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	String
	// Date is days since the unix epoch, stored as UInt16
	Date
	// DateTime is seconds since the unix epoch, stored as UInt32
	DateTime
)

var (
	ErrUnknownType   = errors.New("unknown column type")
	ErrNoConversion  = errors.New("no conversion between types")
	ErrValueRange    = errors.New("value out of range for type")
	ErrBadValue      = errors.New("value cannot be represented by type")
	ErrShortEncoding = errors.New("encoded column data is truncated")

	typeNames = map[Type]string{
		Int8:     "Int8",
		Int16:    "Int16",
		Int32:    "Int32",
		Int64:    "Int64",
		UInt8:    "UInt8",
		UInt16:   "UInt16",
		UInt32:   "UInt32",
		UInt64:   "UInt64",
		Float32:  "Float32",
		Float64:  "Float64",
		String:   "String",
		Date:     "Date",
		DateTime: "DateTime",
	}
)

func Parse(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

func MustParse(s string) Type {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// FixedSize is the on-disk width of one value, 0 for variable width types.
func (t Type) FixedSize() int {
	switch t {
	case Int8, UInt8:
		return 1
	case Int16, UInt16, Date:
		return 2
	case Int32, UInt32, Float32, DateTime:
		return 4
	case Int64, UInt64, Float64:
		return 8
	default:
		return 0
	}
}

func (t Type) IsSigned() bool {
	return t == Int8 || t == Int16 || t == Int32 || t == Int64
}

func (t Type) IsUnsigned() bool {
	return t == UInt8 || t == UInt16 || t == UInt32 || t == UInt64 || t == Date || t == DateTime
}

func (t Type) IsFloat() bool {
	return t == Float32 || t == Float64
}

func (t Type) IsNumeric() bool {
	return t.IsSigned() || t.IsUnsigned() || t.IsFloat()
}

// Zero returns the canonical zero value of the type.
func (t Type) Zero() any {
	switch {
	case t.IsSigned():
		return int64(0)
	case t.IsUnsigned():
		return uint64(0)
	case t.IsFloat():
		return float64(0)
	default:
		return ""
	}
}

// CanConvert reports whether values of from can be reinterpreted as to. Every numeric
// pair converts (with range checks per value); String only converts to itself.
func CanConvert(from, to Type) bool {
	if from == to {
		return true
	}
	return from.IsNumeric() && to.IsNumeric()
}

// IsWidening reports whether every value of from is representable in to without loss.
func IsWidening(from, to Type) bool {
	if from == to {
		return true
	}
	fs, ts := from.FixedSize(), to.FixedSize()
	switch {
	case from == Date || from == DateTime || to == Date || to == DateTime:
		return false
	case from.IsSigned() && to.IsSigned():
		return ts > fs
	case from.IsUnsigned() && to.IsUnsigned():
		return ts > fs
	case from.IsUnsigned() && to.IsSigned():
		return ts > fs
	case from == Float32 && to == Float64:
		return true
	case (from.IsSigned() || from.IsUnsigned()) && to == Float64:
		return fs <= 4
	case (from.IsSigned() || from.IsUnsigned()) && to == Float32:
		return fs <= 2
	default:
		return false
	}
}
