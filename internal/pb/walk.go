// Package pb walks protobuf wire data without generated types.
package pb

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when the input is not valid protobuf wire data.
var ErrMalformed = errors.New("malformed protobuf")

// Walk visits the top-level fields of a protobuf message in wire order.
// For length-delimited fields v holds the value; for every other type v holds
// the raw encoded value as accepted by protowire.ConsumeFieldValue.
func Walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrMalformed
		}
		b = b[n:]
		var v []byte
		if typ == protowire.BytesType {
			val, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return ErrMalformed
			}
			v, n = val, m
		} else {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return ErrMalformed
			}
			v, n = b[:m], m
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Uint returns the value of a varint field visited by Walk.
func Uint(v []byte) uint64 {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0
	}
	return x
}
