// Package mina decodes the application protocols Mina nodes speak over
// libp2p sub-streams.
package mina

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
)

// maxSkippable is the largest envelope the framer will step over.
const maxSkippable = 1 << 32

// prefixFunc reads an envelope length from the front of b. n == 0 means
// more bytes are needed.
type prefixFunc func(b []byte) (size uint64, n int, err error)

func int64Prefix(b []byte) (uint64, int, error) {
	if len(b) < 8 {
		return 0, 0, nil
	}
	return binary.LittleEndian.Uint64(b), 8, nil
}

func uvarintPrefix(b []byte) (uint64, int, error) {
	size, n, err := varint.FromUvarint(b)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("%w: length prefix: %w", core.ErrParse, err)
	}
	return size, n, nil
}

// framer splits one direction of a sub-stream into length-prefixed
// envelopes. Between calls it holds at most one incomplete envelope no
// larger than max; bigger envelopes are skipped as they stream past.
type framer struct {
	prefix prefixFunc
	max    uint64
	buf    *api.Accumulator
	skip   uint64
}

func newFramer(prefix prefixFunc, max int) *framer {
	return &framer{prefix: prefix, max: uint64(max), buf: api.NewAccumulator(0)}
}

// feed appends data and calls body for every complete envelope. The slice
// passed to body is only valid during the call. oversized is called once
// per skipped envelope.
func (f *framer) feed(data []byte, body func([]byte), oversized func(size uint64)) error {
	if f.skip > 0 {
		n := min(f.skip, uint64(len(data)))
		f.skip -= n
		data = data[n:]
	}
	if err := f.buf.Append(data); err != nil {
		return err
	}
	for {
		b := f.buf.Bytes()
		size, n, err := f.prefix(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if size > maxSkippable {
			return fmt.Errorf("%w: envelope of %d bytes", core.ErrParse, size)
		}
		if f.max > 0 && size > f.max {
			oversized(size)
			f.buf.Consume(n)
			k := min(size, uint64(f.buf.Len()))
			f.buf.Consume(int(k))
			f.skip = size - k
			if f.skip > 0 {
				return nil
			}
			continue
		}
		if uint64(len(b)-n) < size {
			return nil
		}
		end := n + int(size)
		body(b[n:end])
		f.buf.Consume(end)
	}
}

// pending returns the number of buffered bytes of an incomplete envelope.
func (f *framer) pending() int {
	return f.buf.Len()
}
