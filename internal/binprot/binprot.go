// Package binprot reads values in the bin_prot binary format.
//
// Every reader is an Absorber: it consumes a prefix of its input, returns
// the rest together with the decoded value, and charges the consumed bytes
// and nesting depth against a Limit. Readers never panic on bad input.
package binprot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated means the input ended inside a value.
	ErrTruncated = errors.New("binprot: truncated input")
	// ErrUnexpectedTag means a tag or code byte is outside the allowed set.
	ErrUnexpectedTag = errors.New("binprot: unexpected tag")
	// ErrLimit means a value exceeds the configured depth or size.
	ErrLimit = errors.New("binprot: limit exceeded")
)

// Absorber reads one T from the front of in.
type Absorber[T any] func(in []byte, l *Limit) (rest []byte, v T, err error)

// Limit bounds a single parse.
type Limit struct {
	MaxDepth int
	MaxBytes int

	depth int
	used  int
}

// NewLimit returns a limit of maxDepth nesting levels and maxBytes bytes.
// Zero disables the respective bound.
func NewLimit(maxDepth, maxBytes int) *Limit {
	return &Limit{MaxDepth: maxDepth, MaxBytes: maxBytes}
}

// Used returns the number of bytes consumed so far.
func (l *Limit) Used() int {
	return l.used
}

func (l *Limit) take(in []byte, n int) ([]byte, []byte, error) {
	if n < 0 || len(in) < n {
		return nil, in, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(in))
	}
	if l.MaxBytes > 0 && l.used+n > l.MaxBytes {
		return nil, in, fmt.Errorf("%w: %d bytes", ErrLimit, l.used+n)
	}
	l.used += n
	return in[:n], in[n:], nil
}

func (l *Limit) enter() error {
	if l.MaxDepth > 0 && l.depth >= l.MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrLimit, l.depth)
	}
	l.depth++
	return nil
}

func (l *Limit) leave() {
	l.depth--
}

// Integer codes.
const (
	codeNeg8  = 0xff
	codeInt16 = 0xfe
	codeInt32 = 0xfd
	codeInt64 = 0xfc
)

// Nat0 reads a non-negative integer.
func Nat0(in []byte, l *Limit) ([]byte, uint64, error) {
	code, rest, err := l.take(in, 1)
	if err != nil {
		return in, 0, err
	}
	var b []byte
	switch c := code[0]; {
	case c < 0x80:
		return rest, uint64(c), nil
	case c == codeInt16:
		if b, rest, err = l.take(rest, 2); err != nil {
			return in, 0, err
		}
		return rest, uint64(binary.LittleEndian.Uint16(b)), nil
	case c == codeInt32:
		if b, rest, err = l.take(rest, 4); err != nil {
			return in, 0, err
		}
		return rest, uint64(binary.LittleEndian.Uint32(b)), nil
	case c == codeInt64:
		if b, rest, err = l.take(rest, 8); err != nil {
			return in, 0, err
		}
		return rest, binary.LittleEndian.Uint64(b), nil
	default:
		return in, 0, fmt.Errorf("%w: nat0 code %#x", ErrUnexpectedTag, c)
	}
}

// Int reads a signed integer.
func Int(in []byte, l *Limit) ([]byte, int64, error) {
	code, rest, err := l.take(in, 1)
	if err != nil {
		return in, 0, err
	}
	var b []byte
	switch c := code[0]; {
	case c < 0x80:
		return rest, int64(c), nil
	case c == codeNeg8:
		if b, rest, err = l.take(rest, 1); err != nil {
			return in, 0, err
		}
		return rest, int64(int8(b[0])), nil
	case c == codeInt16:
		if b, rest, err = l.take(rest, 2); err != nil {
			return in, 0, err
		}
		return rest, int64(int16(binary.LittleEndian.Uint16(b))), nil
	case c == codeInt32:
		if b, rest, err = l.take(rest, 4); err != nil {
			return in, 0, err
		}
		return rest, int64(int32(binary.LittleEndian.Uint32(b))), nil
	case c == codeInt64:
		if b, rest, err = l.take(rest, 8); err != nil {
			return in, 0, err
		}
		return rest, int64(binary.LittleEndian.Uint64(b)), nil
	default:
		return in, 0, fmt.Errorf("%w: int code %#x", ErrUnexpectedTag, c)
	}
}

// Tag reads the one-byte constructor tag of a variant with fewer than 256 cases.
func Tag(in []byte, l *Limit) ([]byte, uint8, error) {
	b, rest, err := l.take(in, 1)
	if err != nil {
		return in, 0, err
	}
	return rest, b[0], nil
}

// Bool reads a boolean.
func Bool(in []byte, l *Limit) ([]byte, bool, error) {
	rest, t, err := Tag(in, l)
	if err != nil {
		return in, false, err
	}
	switch t {
	case 0:
		return rest, false, nil
	case 1:
		return rest, true, nil
	default:
		return in, false, fmt.Errorf("%w: bool %#x", ErrUnexpectedTag, t)
	}
}

// Float reads an IEEE-754 double.
func Float(in []byte, l *Limit) ([]byte, float64, error) {
	b, rest, err := l.take(in, 8)
	if err != nil {
		return in, 0, err
	}
	return rest, math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// Bytes reads a length-prefixed byte string. The result is a copy.
func Bytes(in []byte, l *Limit) ([]byte, []byte, error) {
	rest, n, err := Nat0(in, l)
	if err != nil {
		return in, nil, err
	}
	if n > uint64(len(rest)) {
		return in, nil, fmt.Errorf("%w: string of %d bytes", ErrTruncated, n)
	}
	b, rest, err := l.take(rest, int(n))
	if err != nil {
		return in, nil, err
	}
	return rest, append([]byte(nil), b...), nil
}

// String reads a length-prefixed string.
func String(in []byte, l *Limit) ([]byte, string, error) {
	rest, b, err := Bytes(in, l)
	if err != nil {
		return in, "", err
	}
	return rest, string(b), nil
}

// Option reads an optional value; absent values decode to nil.
func Option[T any](a Absorber[T]) Absorber[*T] {
	return func(in []byte, l *Limit) ([]byte, *T, error) {
		rest, t, err := Tag(in, l)
		if err != nil {
			return in, nil, err
		}
		switch t {
		case 0:
			return rest, nil, nil
		case 1:
			if err := l.enter(); err != nil {
				return in, nil, err
			}
			defer l.leave()
			rest, v, err := a(rest, l)
			if err != nil {
				return in, nil, err
			}
			return rest, &v, nil
		default:
			return in, nil, fmt.Errorf("%w: option %#x", ErrUnexpectedTag, t)
		}
	}
}

// List reads a length-prefixed sequence. Arrays share the encoding.
func List[T any](a Absorber[T]) Absorber[[]T] {
	return func(in []byte, l *Limit) ([]byte, []T, error) {
		rest, n, err := Nat0(in, l)
		if err != nil {
			return in, nil, err
		}
		// Every element takes at least one byte.
		if n > uint64(len(rest)) {
			return in, nil, fmt.Errorf("%w: list of %d elements in %d bytes", ErrTruncated, n, len(rest))
		}
		if err := l.enter(); err != nil {
			return in, nil, err
		}
		defer l.leave()
		out := make([]T, 0, n)
		for i := uint64(0); i < n; i++ {
			var v T
			if rest, v, err = a(rest, l); err != nil {
				return in, nil, err
			}
			out = append(out, v)
		}
		return rest, out, nil
	}
}

// Complete runs a and fails unless it consumes all of in.
func Complete[T any](in []byte, l *Limit, a Absorber[T]) (T, error) {
	rest, v, err := a(in, l)
	if err != nil {
		return v, err
	}
	if len(rest) != 0 {
		var zero T
		return zero, fmt.Errorf("%w: %d trailing bytes", ErrUnexpectedTag, len(rest))
	}
	return v, nil
}
