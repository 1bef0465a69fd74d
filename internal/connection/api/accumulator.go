package api

import (
	"fmt"

	"firestige.xyz/recorder/internal/core"
)

// Accumulator buffers bytes that arrived before a complete unit could be
// parsed. Growth beyond limit fails with core.ErrBufferLimit.
type Accumulator struct {
	buf   []byte
	off   int
	limit int
}

// NewAccumulator returns an empty buffer bounded by limit bytes (0 = unbounded).
func NewAccumulator(limit int) *Accumulator {
	return &Accumulator{limit: limit}
}

// Append copies p to the end of the buffer.
func (a *Accumulator) Append(p []byte) error {
	if a.limit > 0 && a.Len()+len(p) > a.limit {
		return fmt.Errorf("%w: %d buffered + %d incoming > %d",
			core.ErrBufferLimit, a.Len(), len(p), a.limit)
	}
	if a.off > 0 && len(a.buf)+len(p) > cap(a.buf) {
		n := copy(a.buf, a.buf[a.off:])
		a.buf = a.buf[:n]
		a.off = 0
	}
	a.buf = append(a.buf, p...)
	return nil
}

// Bytes returns the unconsumed bytes. The slice is valid until the next mutation.
func (a *Accumulator) Bytes() []byte {
	return a.buf[a.off:]
}

// Len returns the number of unconsumed bytes.
func (a *Accumulator) Len() int {
	return len(a.buf) - a.off
}

// Consume drops n bytes from the front.
func (a *Accumulator) Consume(n int) {
	if n >= a.Len() {
		a.Reset()
		return
	}
	a.off += n
}

// Take returns all unconsumed bytes and empties the buffer. The returned
// slice is owned by the caller.
func (a *Accumulator) Take() []byte {
	if a.Len() == 0 {
		return nil
	}
	out := a.buf[a.off:]
	a.buf, a.off = nil, 0
	return out
}

// Reset empties the buffer, keeping its capacity.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.off = 0
}
