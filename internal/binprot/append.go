package binprot

import (
	"encoding/binary"
	"math"
)

// AppendNat0 encodes a non-negative integer.
func AppendNat0(dst []byte, v uint64) []byte {
	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v <= math.MaxUint16:
		return binary.LittleEndian.AppendUint16(append(dst, codeInt16), uint16(v))
	case v <= math.MaxUint32:
		return binary.LittleEndian.AppendUint32(append(dst, codeInt32), uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(append(dst, codeInt64), v)
	}
}

// AppendInt encodes a signed integer in its shortest form.
func AppendInt(dst []byte, v int64) []byte {
	switch {
	case v >= 0 && v < 0x80:
		return append(dst, byte(v))
	case v >= math.MinInt8 && v < 0:
		return append(dst, codeNeg8, byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return binary.LittleEndian.AppendUint16(append(dst, codeInt16), uint16(int16(v)))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return binary.LittleEndian.AppendUint32(append(dst, codeInt32), uint32(int32(v)))
	default:
		return binary.LittleEndian.AppendUint64(append(dst, codeInt64), uint64(v))
	}
}

// AppendBool encodes a boolean.
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// AppendBytes encodes a length-prefixed byte string.
func AppendBytes(dst, b []byte) []byte {
	return append(AppendNat0(dst, uint64(len(b))), b...)
}

// AppendString encodes a length-prefixed string.
func AppendString(dst []byte, s string) []byte {
	return append(AppendNat0(dst, uint64(len(s))), s...)
}
