package coltypes

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

// Normalize converts a loosely typed input value (for example decoded JSON) into the
// canonical representation of t, checking ranges.
func Normalize(t Type, v any) (any, error) {
	if v == nil {
		return t.Zero(), nil
	}
	switch t {
	case String:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		default:
			return fmt.Sprint(val), nil
		}
	case Date:
		if s, ok := v.(string); ok {
			d, err := time.ParseInLocation(dateLayout, s, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("%w: %q as %s", ErrBadValue, s, t)
			}
			return checkRange(t, float64(d.Unix()/86400))
		}
	case DateTime:
		if s, ok := v.(string); ok {
			d, err := time.ParseInLocation(dateTimeLayout, s, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("%w: %q as %s", ErrBadValue, s, t)
			}
			return checkRange(t, float64(d.Unix()))
		}
	}

	switch val := v.(type) {
	case int:
		return fromInt(t, int64(val))
	case int8:
		return fromInt(t, int64(val))
	case int16:
		return fromInt(t, int64(val))
	case int32:
		return fromInt(t, int64(val))
	case int64:
		return fromInt(t, val)
	case uint:
		return fromUint(t, uint64(val))
	case uint8:
		return fromUint(t, uint64(val))
	case uint16:
		return fromUint(t, uint64(val))
	case uint32:
		return fromUint(t, uint64(val))
	case uint64:
		return fromUint(t, val)
	case float32:
		return checkRange(t, float64(val))
	case float64:
		return checkRange(t, val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return fromInt(t, i)
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q as %s", ErrBadValue, val.String(), t)
		}
		return checkRange(t, f)
	case string:
		return parseLiteral(t, val)
	case bool:
		if val {
			return fromInt(t, 1)
		}
		return fromInt(t, 0)
	}
	return nil, fmt.Errorf("%w: %T as %s", ErrBadValue, v, t)
}

// Convert reinterprets a canonical value of type from as type to.
func Convert(from, to Type, v any) (any, error) {
	if from == to {
		return v, nil
	}
	if !CanConvert(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoConversion, from, to)
	}
	return Normalize(to, v)
}

func parseLiteral(t Type, s string) (any, error) {
	switch {
	case t.IsSigned():
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q as %s", ErrBadValue, s, t)
		}
		return fromInt(t, i)
	case t.IsUnsigned():
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q as %s", ErrBadValue, s, t)
		}
		return fromUint(t, u)
	case t.IsFloat():
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q as %s", ErrBadValue, s, t)
		}
		return checkRange(t, f)
	}
	return s, nil
}

func fromInt(t Type, i int64) (any, error) {
	switch {
	case t.IsSigned():
		lo, hi := signedBounds(t)
		if i < lo || i > hi {
			return nil, fmt.Errorf("%w: %d as %s", ErrValueRange, i, t)
		}
		return i, nil
	case t.IsUnsigned():
		if i < 0 {
			return nil, fmt.Errorf("%w: %d as %s", ErrValueRange, i, t)
		}
		return fromUint(t, uint64(i))
	case t.IsFloat():
		return checkRange(t, float64(i))
	default:
		return strconv.FormatInt(i, 10), nil
	}
}

func fromUint(t Type, u uint64) (any, error) {
	switch {
	case t.IsUnsigned():
		if u > unsignedMax(t) {
			return nil, fmt.Errorf("%w: %d as %s", ErrValueRange, u, t)
		}
		return u, nil
	case t.IsSigned():
		_, hi := signedBounds(t)
		if u > uint64(hi) {
			return nil, fmt.Errorf("%w: %d as %s", ErrValueRange, u, t)
		}
		return int64(u), nil
	case t.IsFloat():
		return checkRange(t, float64(u))
	default:
		return strconv.FormatUint(u, 10), nil
	}
}

func checkRange(t Type, f float64) (any, error) {
	switch {
	case t == Float64:
		return f, nil
	case t == Float32:
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %g as %s", ErrValueRange, f, t)
		}
		return float64(float32(f)), nil
	case t == String:
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: %g as %s", ErrBadValue, f, t)
	}
	if t.IsSigned() {
		lo, hi := signedBounds(t)
		if f < float64(lo) || f > float64(hi) {
			return nil, fmt.Errorf("%w: %g as %s", ErrValueRange, f, t)
		}
		return int64(f), nil
	}
	if f < 0 || f > float64(unsignedMax(t)) {
		return nil, fmt.Errorf("%w: %g as %s", ErrValueRange, f, t)
	}
	return uint64(f), nil
}

func signedBounds(t Type) (int64, int64) {
	switch t {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func unsignedMax(t Type) uint64 {
	switch t {
	case UInt8:
		return math.MaxUint8
	case UInt16, Date:
		return math.MaxUint16
	case UInt32, DateTime:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

// Display renders a canonical value for output. Date and DateTime become their text
// layouts, everything else is returned unchanged.
func Display(t Type, v any) any {
	u, ok := v.(uint64)
	if !ok {
		return v
	}
	switch t {
	case Date:
		return time.Unix(int64(u)*86400, 0).UTC().Format(dateLayout)
	case DateTime:
		return time.Unix(int64(u), 0).UTC().Format(dateTimeLayout)
	}
	return v
}
