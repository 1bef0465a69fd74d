package binprot

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNat0Codes(t *testing.T) {
	tests := []struct {
		v    uint64
		size int
	}{
		{0, 1},
		{0x7f, 1},
		{0x80, 3},
		{math.MaxUint16, 3},
		{math.MaxUint16 + 1, 5},
		{math.MaxUint32, 5},
		{math.MaxUint32 + 1, 9},
	}
	for _, tt := range tests {
		b := AppendNat0(nil, tt.v)
		require.Len(t, b, tt.size, "value %d", tt.v)
		rest, v, err := Nat0(append(b, 0xaa), NewLimit(0, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.v, v)
		assert.Equal(t, []byte{0xaa}, rest)
	}
}

func TestIntCodes(t *testing.T) {
	for _, v := range []int64{0, 1, 127, 128, -1, -128, -129, 32767, -32768, 1 << 20, -(1 << 20), math.MaxInt64, math.MinInt64} {
		got, err := Complete(AppendInt(nil, v), NewLimit(0, 0), Int)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
	}
}

func TestBadCodes(t *testing.T) {
	_, _, err := Nat0([]byte{0xff, 0x01}, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrUnexpectedTag)

	_, _, err = Int([]byte{0x90}, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrUnexpectedTag)

	_, _, err = Bool([]byte{2}, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrUnexpectedTag)

	_, _, err = Option(Int)([]byte{3}, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrUnexpectedTag)
}

func TestTruncation(t *testing.T) {
	full := AppendString(nil, "hello")
	for i := 0; i < len(full); i++ {
		rest, _, err := String(full[:i], NewLimit(0, 0))
		assert.ErrorIs(t, err, ErrTruncated, "prefix %d", i)
		assert.Len(t, rest, i, "input is returned untouched")
	}

	_, _, err := Int([]byte{codeInt32, 1, 2}, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Float(make([]byte, 7), NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestHugeLengthsDoNotAllocate(t *testing.T) {
	b := AppendNat0(nil, math.MaxUint64)
	_, _, err := Bytes(b, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = List(Int)(b, NewLimit(0, 0))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestLimitBytes(t *testing.T) {
	b := AppendString(nil, "0123456789")
	_, _, err := String(b, NewLimit(0, 8))
	assert.ErrorIs(t, err, ErrLimit)

	l := NewLimit(0, 11)
	_, s, err := String(b, l)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", s)
	assert.Equal(t, 11, l.Used())
}

func TestLimitDepth(t *testing.T) {
	nested := List(List(List(Int)))
	var b []byte
	b = AppendNat0(b, 1)
	b = AppendNat0(b, 1)
	b = AppendNat0(b, 1)
	b = AppendInt(b, 5)

	_, _, err := nested(b, NewLimit(2, 0))
	assert.ErrorIs(t, err, ErrLimit)

	v, err := Complete(b, NewLimit(3, 0), nested)
	require.NoError(t, err)
	assert.Equal(t, [][][]int64{{{5}}}, v)
}

func TestOptionAndList(t *testing.T) {
	var b []byte
	b = AppendNat0(b, 3)
	b = append(b, 0)
	b = AppendInt(append(b, 1), -7)
	b = AppendInt(append(b, 1), 300)

	v, err := Complete(b, NewLimit(8, 0), List(Option(Int)))
	require.NoError(t, err)
	require.Len(t, v, 3)
	assert.Nil(t, v[0])
	assert.Equal(t, int64(-7), *v[1])
	assert.Equal(t, int64(300), *v[2])
}

func TestBytesAreCopied(t *testing.T) {
	b := AppendBytes(nil, []byte("abc"))
	_, got, err := Bytes(b, NewLimit(0, 0))
	require.NoError(t, err)
	b[1] = 'X'
	assert.Equal(t, []byte("abc"), got)
}

func TestAtomics(t *testing.T) {
	var b []byte
	b = AppendInt(b, -42)
	b = AppendNat0(b, 1000)
	b = AppendBool(b, true)
	l := NewLimit(0, 0)

	rest, i, err := AtomicInt64(b, l)
	require.NoError(t, err)
	rest, u, err := AtomicUint64(rest, l)
	require.NoError(t, err)
	rest, f, err := AtomicBool(rest, l)
	require.NoError(t, err)

	assert.Empty(t, rest)
	assert.Equal(t, int64(-42), i.Load())
	assert.Equal(t, uint64(1000), u.Load())
	assert.True(t, f.Load())
}

func TestCompleteRejectsTrailingBytes(t *testing.T) {
	_, err := Complete(append(AppendInt(nil, 1), 0), NewLimit(0, 0), Int)
	assert.ErrorIs(t, err, ErrUnexpectedTag)
}
