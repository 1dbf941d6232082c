package coltypes

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AppendValues encodes canonical values of type t onto buf. Fixed width types are
// little endian, String is a uvarint length followed by the bytes.
func AppendValues(buf []byte, t Type, vals []any) ([]byte, error) {
	var scratch [8]byte
	for i, v := range vals {
		switch t {
		case String:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: row %d is %T, want string", ErrBadValue, i, v)
			}
			buf = binary.AppendUvarint(buf, uint64(len(s)))
			buf = append(buf, s...)
			continue
		case Float32, Float64:
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: row %d is %T, want float64", ErrBadValue, i, v)
			}
			if t == Float32 {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(float32(f)))
			} else {
				binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(f))
			}
		default:
			var u uint64
			switch val := v.(type) {
			case int64:
				if !t.IsSigned() {
					return nil, fmt.Errorf("%w: row %d is int64, want uint64", ErrBadValue, i)
				}
				u = uint64(val)
			case uint64:
				if !t.IsUnsigned() {
					return nil, fmt.Errorf("%w: row %d is uint64, want int64", ErrBadValue, i)
				}
				u = val
			default:
				return nil, fmt.Errorf("%w: row %d is %T", ErrBadValue, i, v)
			}
			binary.LittleEndian.PutUint64(scratch[:], u)
		}
		buf = append(buf, scratch[:t.FixedSize()]...)
	}
	return buf, nil
}

// DecodeValues decodes exactly n values of type t from data.
func DecodeValues(t Type, data []byte, n int) ([]any, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative row count %d", ErrBadValue, n)
	}
	// every encoded value takes at least one byte
	out := make([]any, 0, min(n, len(data)))
	size := t.FixedSize()
	off := 0
	for i := 0; i < n; i++ {
		if t == String {
			l, read := binary.Uvarint(data[off:])
			if read <= 0 || uint64(len(data)-off-read) < l {
				return nil, fmt.Errorf("%w: row %d of %d", ErrShortEncoding, i, n)
			}
			off += read
			out = append(out, string(data[off:off+int(l)]))
			off += int(l)
			continue
		}
		if len(data)-off < size {
			return nil, fmt.Errorf("%w: row %d of %d", ErrShortEncoding, i, n)
		}
		var scratch [8]byte
		copy(scratch[:], data[off:off+size])
		raw := binary.LittleEndian.Uint64(scratch[:])
		off += size
		switch {
		case t == Float32:
			out = append(out, float64(math.Float32frombits(uint32(raw))))
		case t == Float64:
			out = append(out, math.Float64frombits(raw))
		case t.IsSigned():
			out = append(out, signExtend(raw, size))
		default:
			out = append(out, raw)
		}
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d rows", ErrBadValue, len(data)-off, n)
	}
	return out, nil
}

func signExtend(raw uint64, size int) int64 {
	shift := uint(64 - size*8)
	return int64(raw<<shift) >> shift
}
